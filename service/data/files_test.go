package data

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/config"
)

type folderConfig struct {
	config.IService
	folder string
}

func (c folderConfig) GetResultsFolder() string {
	return c.folder
}

func newTestDB(t *testing.T) (IService, string) {
	folder := filepath.Join(t.TempDir(), "results")
	return NewFilesDB(folderConfig{IService: config.NewHardCoded(), folder: folder}), folder
}

func readArray(t *testing.T, path string) []map[string]interface{} {
	t.Helper()

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)

	var out []map[string]interface{}
	test.That(t, json.Unmarshal(data, &out), test.ShouldBeNil)
	return out
}

func TestFilesDBAppendsStats(t *testing.T) {
	db, folder := newTestDB(t)

	test.That(t, db.NewSamplerStats(model.SamplerStats{Name: "sampler", Accepted: 3}), test.ShouldBeNil)
	test.That(t, db.NewSamplerStats(model.SamplerStats{Name: "sampler", Accepted: 5}), test.ShouldBeNil)
	test.That(t, db.NewDispatcherStats(model.DispatcherStats{Name: "dispatcher", Retries: 1}), test.ShouldBeNil)

	samplers := readArray(t, filepath.Join(folder, "sampler-stats.json"))
	test.That(t, samplers, test.ShouldHaveLength, 2)
	test.That(t, samplers[1]["accepted"], test.ShouldEqual, 5.0)
	test.That(t, samplers[1]["timestamp"], test.ShouldBeGreaterThan, 0.0)

	dispatchers := readArray(t, filepath.Join(folder, "dispatcher-stats.json"))
	test.That(t, dispatchers, test.ShouldHaveLength, 1)
	test.That(t, dispatchers[0]["retries"], test.ShouldEqual, 1.0)
}

func TestFilesDBStoresErrors(t *testing.T) {
	db, folder := newTestDB(t)

	custom := model.GenError("agent_framer", errors.New("device busy"), map[string]interface{}{"camera": "cam-0"}, "error opening %s", "0")
	test.That(t, db.NewError(custom), test.ShouldBeNil)
	test.That(t, db.NewError(errors.New("plain")), test.ShouldBeNil)

	stored := readArray(t, filepath.Join(folder, "errors.json"))
	test.That(t, stored, test.ShouldHaveLength, 2)
	test.That(t, stored[0]["processor"], test.ShouldEqual, "agent_framer")
	test.That(t, stored[0]["message"], test.ShouldEqual, "error opening 0")
	test.That(t, stored[0]["innerError"], test.ShouldEqual, "device busy")
	test.That(t, stored[1]["processor"], test.ShouldEqual, "N/A")
	test.That(t, stored[1]["message"], test.ShouldEqual, "plain")
}

func TestFilesDBRejectsCorruptFile(t *testing.T) {
	db, folder := newTestDB(t)

	test.That(t, os.MkdirAll(folder, 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(folder, "agent-stats.json"), []byte("{not json"), 0o644), test.ShouldBeNil)

	err := db.NewAgentStats(model.AgentStats{ID: "a"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "agent-stats.json")
}
