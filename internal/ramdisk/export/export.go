// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package export uploads the final image of the device to an object store
// when the device is torn down. The image is never read back by the device,
// it is meant for inspection of what the device contained at the end of its
// life.
package export

import (
	"bytes"
	"encoding/gob"
	"io"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	imageObject    = "image"
	manifestObject = "manifest"
)

// Uploader stores body under key. Anything implementing this interface can
// be used as an export target.
type Uploader interface {
	Upload(key string, body io.Reader) error
}

// Manifest describes the exported image. It is serialized by gobs hence it
// has to be exported with all its attributes.
type Manifest struct {
	Name       string
	Serial     string
	BlockSize  int64
	Blocks     int64
	CreatedAt  time.Time
	ExportedAt time.Time
}

// Exporter writes images and manifests under a common prefix.
type Exporter struct {
	uploader Uploader
	prefix   string
}

func New(uploader Uploader, prefix string) *Exporter {
	return &Exporter{uploader: uploader, prefix: prefix}
}

// Returns directory of all objects belonging to the device described by m.
func (e *Exporter) dir(m Manifest) string {
	return path.Join(e.prefix, m.Name, m.Serial)
}

// ImageKey returns key of the image object for m.
func (e *Exporter) ImageKey(m Manifest) string {
	return path.Join(e.dir(m), imageObject)
}

// ManifestKey returns key of the manifest object for m.
func (e *Exporter) ManifestKey(m Manifest) string {
	return path.Join(e.dir(m), manifestObject)
}

// Export uploads the image first and the manifest after it, so an existing
// manifest always means a complete image.
func (e *Exporter) Export(m Manifest, image *io.SectionReader) error {
	if image.Size() != m.BlockSize*m.Blocks {
		return errors.Errorf("image has %d bytes, manifest describes %d",
			image.Size(), m.BlockSize*m.Blocks)
	}

	if m.ExportedAt.IsZero() {
		m.ExportedAt = time.Now()
	}

	if err := e.uploader.Upload(e.ImageKey(m), image); err != nil {
		return errors.Wrap(err, "uploading image")
	}

	dump, err := EncodeManifest(m)
	if err != nil {
		return err
	}

	if err := e.uploader.Upload(e.ManifestKey(m), bytes.NewReader(dump)); err != nil {
		return errors.Wrap(err, "uploading manifest")
	}

	log.Info().Str("key", e.ImageKey(m)).Int64("bytes", image.Size()).Msg("Image exported")

	return nil
}

// Returns serialized version of the manifest with go gobs.
func EncodeManifest(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)

	if err := encoder.Encode(m); err != nil {
		return nil, errors.Wrap(err, "encoding manifest")
	}

	return buf.Bytes(), nil
}

// The inverse to EncodeManifest().
func DecodeManifest(buf []byte) (Manifest, error) {
	var m Manifest
	decoder := gob.NewDecoder(bytes.NewReader(buf))

	err := decoder.Decode(&m)

	return m, errors.Wrap(err, "decoding manifest")
}
