package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.viam.com/test"

	"github.com/khaledhikmat/smartwaste-go/service/config"
)

type webhookConfig struct {
	config.IService
	url string
}

func (c webhookConfig) GetPresenterParameters() config.PresenterParameters {
	params := c.IService.GetPresenterParameters()
	params.WebhookURL = c.url
	return params
}

func TestHTTPPostsJSON(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.That(t, r.Header.Get("Content-Type"), test.ShouldEqual, "application/json")

		var body map[string]interface{}
		test.That(t, json.NewDecoder(r.Body).Decode(&body), test.ShouldBeNil)
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := NewHTTP(webhookConfig{IService: config.NewHardCoded(), url: srv.URL}, srv.Client())
	err := svc.Post(context.Background(), map[string]interface{}{"seq": 3, "status": "success"})
	test.That(t, err, test.ShouldBeNil)

	body := <-received
	test.That(t, body["seq"], test.ShouldEqual, 3.0)
	test.That(t, body["status"], test.ShouldEqual, "success")
}

func TestHTTPReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewHTTP(webhookConfig{IService: config.NewHardCoded(), url: srv.URL}, srv.Client())
	err := svc.Post(context.Background(), struct{}{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "502")
}

func TestHTTPRequiresURL(t *testing.T) {
	svc := NewHTTP(webhookConfig{IService: config.NewHardCoded()}, nil)
	test.That(t, svc.Post(context.Background(), struct{}{}), test.ShouldNotBeNil)
}
