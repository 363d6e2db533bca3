package objectstore

import (
	"testing"
	"time"
)

func TestPutFetchBaselinePromote(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Put("fleet", "firmware/app-v2.bin", []byte("firmware-bytes"), Meta{Signed: true, Version: 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.FetchImage("fleet", "firmware/app-v2.bin")
	if err != nil {
		t.Fatalf("FetchImage: %v", err)
	}
	if string(got) != "firmware-bytes" {
		t.Errorf("FetchImage = %q", got)
	}

	meta, ok := s.FetchMeta("fleet", "firmware/app-v2.bin")
	if !ok || !meta.Signed || meta.Version != 2 {
		t.Errorf("FetchMeta = %+v, ok=%v", meta, ok)
	}

	if _, ok, err := s.FetchBaseline("fleet"); err != nil || ok {
		t.Fatalf("FetchBaseline before promote: ok=%v err=%v", ok, err)
	}

	if err := s.PromoteToBaseline("fleet", got); err != nil {
		t.Fatalf("PromoteToBaseline: %v", err)
	}
	baseline, ok, err := s.FetchBaseline("fleet")
	if err != nil || !ok || string(baseline) != "firmware-bytes" {
		t.Fatalf("FetchBaseline after promote: %q ok=%v err=%v", baseline, ok, err)
	}
}

func TestPollNewExcludesBaselineAndOldFiles(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	since := time.Now().Add(-time.Hour)

	if err := s.Put("fleet", "firmware/baseline.bin", []byte("old"), Meta{}); err != nil {
		t.Fatalf("Put baseline: %v", err)
	}
	if err := s.Put("fleet", "firmware/app-v3.bin", []byte("new"), Meta{Version: 3}); err != nil {
		t.Fatalf("Put image: %v", err)
	}

	images, err := s.PollNew("fleet", since)
	if err != nil {
		t.Fatalf("PollNew: %v", err)
	}
	if len(images) != 1 || images[0].Key != "firmware/app-v3.bin" {
		t.Fatalf("PollNew = %+v", images)
	}

	later, err := s.PollNew("fleet", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PollNew: %v", err)
	}
	if len(later) != 0 {
		t.Fatalf("PollNew with since after every file = %+v, want none", later)
	}
}
