// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package export

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type memUploader struct {
	objects map[string][]byte
	order   []string
	fail    string
}

func (u *memUploader) Upload(key string, body io.Reader) error {
	if key == u.fail {
		return errors.New("injected failure")
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[key] = b
	u.order = append(u.order, key)

	return nil
}

func testManifest() Manifest {
	return Manifest{
		Name:      "ramdisk",
		Serial:    "0d9c7a51-8a6f-4c1e-9f58-3f2b2c9e3b6a",
		BlockSize: 512,
		Blocks:    4,
		CreatedAt: time.Date(2021, 6, 13, 11, 30, 39, 0, time.UTC),
	}
}

func TestExportUploadsImageThenManifest(t *testing.T) {
	image := bytes.Repeat([]byte{0x5a}, 4*512)
	u := &memUploader{}
	e := New(u, "exports")
	m := testManifest()

	if err := e.Export(m, io.NewSectionReader(bytes.NewReader(image), 0, int64(len(image)))); err != nil {
		t.Fatal(err)
	}

	wantImage := "exports/ramdisk/" + m.Serial + "/image"
	wantManifest := "exports/ramdisk/" + m.Serial + "/manifest"
	if len(u.order) != 2 || u.order[0] != wantImage || u.order[1] != wantManifest {
		t.Fatalf("upload order %v", u.order)
	}
	if !bytes.Equal(u.objects[wantImage], image) {
		t.Fatal("uploaded image differs")
	}

	got, err := DecodeManifest(u.objects[wantManifest])
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != m.Name || got.Serial != m.Serial || got.Blocks != m.Blocks || got.BlockSize != m.BlockSize {
		t.Fatalf("manifest %+v, want %+v", got, m)
	}
	if got.ExportedAt.IsZero() {
		t.Fatal("export time not filled in")
	}
}

func TestExportRejectsSizeMismatch(t *testing.T) {
	u := &memUploader{}
	e := New(u, "")

	image := make([]byte, 512)
	if err := e.Export(testManifest(), io.NewSectionReader(bytes.NewReader(image), 0, 512)); err == nil {
		t.Fatal("size mismatch not detected")
	}
	if len(u.order) != 0 {
		t.Fatal("something was uploaded")
	}
}

func TestFailedImageUploadSkipsManifest(t *testing.T) {
	m := testManifest()
	u := &memUploader{}
	e := New(u, "")
	u.fail = e.ImageKey(m)

	image := make([]byte, 4*512)
	if err := e.Export(m, io.NewSectionReader(bytes.NewReader(image), 0, int64(len(image)))); err == nil {
		t.Fatal("upload failure not reported")
	}
	if _, ok := u.objects[e.ManifestKey(m)]; ok {
		t.Fatal("manifest uploaded for a missing image")
	}
}
