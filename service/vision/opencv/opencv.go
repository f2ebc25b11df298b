package opencv

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/vision"
)

var (
	boxColor  = color.RGBA{255, 0, 0, 255}
	textColor = color.RGBA{255, 255, 255, 255}
)

type gocvService struct{}

// New returns the OpenCV backed vision service.
func New() vision.IService {
	return &gocvService{}
}

type gocvCapture struct {
	url    string
	webcam *gocv.VideoCapture
	mat    gocv.Mat
}

func (svc *gocvService) OpenCapture(url string) (vision.Capture, error) {
	webcam, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, xerrors.Errorf("opening capture %s: %w", url, err)
	}

	return &gocvCapture{
		url:    url,
		webcam: webcam,
		mat:    gocv.NewMat(),
	}, nil
}

// Read grabs the next frame. The returned image does not share memory with
// the capture buffer.
func (c *gocvCapture) Read() (image.Image, error) {
	if ok := c.webcam.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, fmt.Errorf("cannot read frame from %s", c.url)
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, xerrors.Errorf("converting frame: %w", err)
	}
	return img, nil
}

func (c *gocvCapture) Close() error {
	c.mat.Close() // Crucial to close the mat to avoid memory leaks
	return c.webcam.Close()
}

func (svc *gocvService) WriteAnnotated(path string, img image.Image, result model.InferenceResult) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return xerrors.Errorf("converting image: %w", err)
	}
	defer mat.Close()

	bounds := img.Bounds()
	for _, d := range result.Detections {
		box := d.Box
		if result.ImageWidth > 0 && result.ImageHeight > 0 {
			box = box.Scale(result.ImageWidth, result.ImageHeight, bounds.Dx(), bounds.Dy())
		}
		rect := box.Rect()

		gocv.Rectangle(&mat, rect, boxColor, 3)

		text := fmt.Sprintf("%s %.1f%%", d.Label, d.Confidence*100)
		size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.6, 2)

		// keep the label inside the image when the box touches the top edge
		top := rect.Min.Y - size.Y - 8
		if top < 0 {
			top = rect.Min.Y
		}
		background := image.Rect(rect.Min.X, top, rect.Min.X+size.X+8, top+size.Y+8)
		gocv.Rectangle(&mat, background, boxColor, -1)
		gocv.PutText(&mat, text, image.Pt(rect.Min.X+4, top+size.Y+4), gocv.FontHersheySimplex, 0.6, textColor, 2)
	}

	if ok := gocv.IMWrite(path, mat); !ok {
		return fmt.Errorf("cannot write annotated image %s", path)
	}
	return nil
}
