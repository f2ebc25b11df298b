package storage

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/service/config"
)

type localService struct {
	CfgSvc config.IService
}

// NewLocal keeps results on the local disk under the results folder.
func NewLocal(cfgsvc config.IService) IService {
	return &localService{
		CfgSvc: cfgsvc,
	}
}

func (svc *localService) ResultPath(name string) (string, error) {
	folder := svc.CfgSvc.GetResultsFolder()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", xerrors.Errorf("creating results folder %s: %w", folder, err)
	}

	return filepath.Join(folder, sanitize(name)), nil
}

func (svc *localService) StoreFile(fileName string) (string, error) {
	abs, err := filepath.Abs(fileName)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(abs); err != nil {
		return "", xerrors.Errorf("stored file: %w", err)
	}

	return "file://" + filepath.ToSlash(abs), nil
}

// sanitize keeps camera names and URLs usable as file names.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '?', '*', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}
