package aws_s3

import (
	"testing"

	"github.com/IliaW/capture-worker/internal/model"
)

func TestArchiveKey(t *testing.T) {
	result := &model.CaptureResult{JobID: "abc", Host: "example_com", Archive: "/data/example_com/example_com.zip"}
	if got := ArchiveKey("captures", result); got != "captures/example_com/abc/example_com.zip" {
		t.Errorf("ArchiveKey = %q", got)
	}
	if got := ArchiveKey("", result); got != "example_com/abc/example_com.zip" {
		t.Errorf("ArchiveKey without prefix = %q", got)
	}
}

func TestNopBucketClient(t *testing.T) {
	if link := (NopBucketClient{}).WriteArchive(&model.CaptureResult{Archive: "x.zip"}); link != "" {
		t.Errorf("WriteArchive = %q, want empty", link)
	}
}
