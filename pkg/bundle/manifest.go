// Package bundle exports archived images to a signed tar.zst bundle and
// imports them back into another archive.
package bundle

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	imagesTarPrefix  = "images"
	manifestVersion  = "1"
)

// Manifest lists the images carried by a bundle.
type Manifest struct {
	Version   string          `yaml:"version"`
	CreatedAt time.Time       `yaml:"created_at"`
	Images    []ManifestImage `yaml:"images"`
	Signature string          `yaml:"signature,omitempty"`
}

// ManifestImage is one archived image.
type ManifestImage struct {
	ConfigID string `yaml:"config_id"`
	SHA256   string `yaml:"sha256"`
	Size     int64  `yaml:"size"`
}

// SigningBytes returns the canonical bytes covered by the signature.
func (m *Manifest) SigningBytes() ([]byte, error) {
	clone := *m
	clone.Signature = ""
	data, err := yaml.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	return data, nil
}

func tarPath(img ManifestImage) string {
	return imagesTarPrefix + "/" + img.ConfigID + "/" + img.SHA256 + ".elf"
}
