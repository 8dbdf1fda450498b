package feed

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/bbfeed/pkg/bbtxt"
)

// Config controls the batch feeder.
type Config struct {
	Source           string `json:"source"`           // Path to the BBTXT annotation file
	Width            int    `json:"width"`            // Network input width
	Height           int    `json:"height"`           // Network input height
	ReferenceSize    int    `json:"referenceSize"`    // Target size of the selected box's longer side, in network input pixels
	BatchSize        int    `json:"batchSize"`        // Images per batch
	Shuffle          bool   `json:"shuffle"`          // Shuffle the dataset at startup and on every wrap
	Mirror           bool   `json:"mirror"`           // Random horizontal flips
	MaxBoxesPerImage int    `json:"maxBoxesPerImage"` // Capacity of the label block per image (default 20)
	QueueDepth       int    `json:"queueDepth"`       // Max completed batches waiting for the consumer (default 3)
	Producers        int    `json:"producers"`        // Number of batch-filling threads (default 3)
	Seed             int64  `json:"seed"`             // Master seed for shuffling and augmentation
}

func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxBoxesPerImage == 0 {
		c.MaxBoxesPerImage = bbtxt.DefaultMaxBoxesPerImage
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 3
	}
	if c.Producers == 0 {
		c.Producers = 3
	}
	switch {
	case c.Source == "":
		return fmt.Errorf("feed: source must be set")
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("feed: width and height must be positive")
	case c.ReferenceSize <= 0:
		return fmt.Errorf("feed: referenceSize must be positive")
	case c.BatchSize <= 0:
		return fmt.Errorf("feed: batchSize must be positive")
	case c.MaxBoxesPerImage < 0 || c.QueueDepth < 0 || c.Producers < 0:
		return fmt.Errorf("feed: maxBoxesPerImage, queueDepth and producers may not be negative")
	}
	return nil
}
