package scheduler

import (
	"fmt"
	"log/slog"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/IliaW/capture-worker/internal/model"
)

// LoadTasks reads the persisted task list. Entries without a url, a valid screen size or a
// schedule are logged and skipped.
func LoadTasks(path string, log *slog.Logger) ([]*model.CaptureTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks file: %w", err)
	}

	var raw []*model.CaptureTask
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file %s: %w", path, err)
	}

	tasks := make([]*model.CaptureTask, 0, len(raw))
	for i, task := range raw {
		if task == nil {
			log.Warn("skipping empty task.", slog.Int("index", i))
			continue
		}
		if task.Schedule == "" {
			log.Warn("skipping task without schedule.", slog.Int("index", i), slog.String("url", task.URL))
			continue
		}
		if _, err := model.NewCaptureJob(task, model.Schedule); err != nil {
			log.Warn("skipping invalid task.", slog.Int("index", i), slog.String("url", task.URL),
				slog.String("err", err.Error()))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
