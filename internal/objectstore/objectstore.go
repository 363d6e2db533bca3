// Package objectstore is a local-filesystem stand-in for an S3-compatible
// object store: two well-known keys under a configured bucket,
// `firmware/app-vN.bin` (triggers a new OTA session on create) and
// `firmware/baseline.bin` (consulted for delta, replaced on successful
// COMPLETE). Grounded on AgSys's
// internal/storage/database.go file-path-per-record convention, adapted
// from a SQLite row to a flat-file object layout since the OTA engine needs
// raw byte blobs rather than structured rows.
package objectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const baselineKey = "firmware/baseline.bin"

// Meta is the object-metadata sidecar: a `signed` flag that requests
// ED25519-signed image delivery, and the build version the firmware was
// staged under.
type Meta struct {
	Signed  bool   `json:"signed"`
	Version uint32 `json:"version"`
}

// Store is a directory-per-bucket local object store.
type Store struct {
	root string
}

// New constructs a Store rooted at dir (created if missing).
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: mkdir %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(bucket, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(key))
}

// Put stages a firmware image under firmware/<name> with its metadata
// sidecar, the operator-tooling equivalent of an S3 PutObject that triggers
// a new OTA session.
func (s *Store) Put(bucket, key string, data []byte, meta Meta) error {
	p := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("objectstore: mkdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("objectstore: write %s: %w", key, err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(p+".meta.json", metaBytes, 0o644)
}

// FetchImage implements internal/ota.ImageStore.
func (s *Store) FetchImage(bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(bucket, key))
	if err != nil {
		return nil, fmt.Errorf("objectstore: fetch %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// FetchMeta reads the metadata sidecar for an image, returning ok=false if
// none exists (unsigned, version unknown).
func (s *Store) FetchMeta(bucket, key string) (Meta, bool) {
	data, err := os.ReadFile(s.path(bucket, key) + ".meta.json")
	if err != nil {
		return Meta{}, false
	}
	var m Meta
	if json.Unmarshal(data, &m) != nil {
		return Meta{}, false
	}
	return m, true
}

// IsSigned implements internal/ota.ImageStore: reports the sidecar's signed
// flag, defaulting to false when no sidecar was staged.
func (s *Store) IsSigned(bucket, key string) bool {
	meta, _ := s.FetchMeta(bucket, key)
	return meta.Signed
}

// FetchBaseline implements internal/ota.ImageStore.
func (s *Store) FetchBaseline(bucket string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(bucket, baselineKey))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("objectstore: fetch baseline: %w", err)
	}
	return data, true, nil
}

// PromoteToBaseline implements internal/ota.ImageStore: writes the
// just-completed session's payload to the baseline slot so the next session
// can run in delta mode. The caller passes the verified, chunked payload
// rather than a key, since a signed image's baseline must be the
// signature-stripped bytes the device actually received.
func (s *Store) PromoteToBaseline(bucket string, data []byte) error {
	dst := s.path(bucket, baselineKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// NewImage is one detected firmware object, handed to the OTA engine's
// HandleNewImage trigger path.
type NewImage struct {
	Bucket  string
	Key     string
	Meta    Meta
	ModTime time.Time
}

// PollNew lists firmware/*.bin objects (excluding baseline.bin) under bucket
// modified after since, sorted oldest first — this stands in for an
// object-store create event used as a trigger surface, since a local
// directory has no native event stream; the cloud link's inbound
// firmware-staged message lets an external upload step ask for an
// immediate poll instead of waiting for the next tick.
func (s *Store) PollNew(bucket string, since time.Time) ([]NewImage, error) {
	dir := filepath.Join(s.root, bucket, "firmware")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: list %s: %w", bucket, err)
	}

	var out []NewImage
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".bin" || name == "baseline.bin" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().After(since) {
			continue
		}
		key := "firmware/" + name
		meta, _ := s.FetchMeta(bucket, key)
		out = append(out, NewImage{Bucket: bucket, Key: key, Meta: meta, ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}
