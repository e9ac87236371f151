package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"
)

const (
	dataFolder     = "./mediastation-data"
	downloadFolder = dataFolder + "/downloads"
	metadataFolder = dataFolder + "/metadata"
	logFolder      = dataFolder + "/logs"
)

// Handler reads and writes the YAML configuration file.
type Handler struct {
	p string

	mu sync.Mutex
}

func NewHandler(p string) *Handler {
	return &Handler{p: p}
}

func (c *Handler) Path() string {
	return c.p
}

// GetRaw returns the file contents, creating the file with defaults when it
// does not exist yet.
func (c *Handler) GetRaw() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.ReadFile(c.p)
	if os.IsNotExist(err) {
		log.Info().Str("file", c.p).Msg("configuration file does not exist, creating from defaults")
		f, err = c.writeDefaults()
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}

	return f, nil
}

func (c *Handler) writeDefaults() ([]byte, error) {
	b, err := yaml.Marshal(AddDefaults(&Root{}))
	if err != nil {
		return nil, fmt.Errorf("error encoding default configuration: %w", err)
	}
	if err := c.write(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Handler) write(b []byte) error {
	if err := os.MkdirAll(filepath.Dir(c.p), 0744); err != nil {
		return fmt.Errorf("error creating path for configuration file: %s, %w", c.p, err)
	}
	if err := os.WriteFile(c.p, b, 0644); err != nil {
		return fmt.Errorf("error writing configuration file: %w", err)
	}
	return nil
}

func (c *Handler) Get() (*Root, error) {
	b, err := c.GetRaw()
	if err != nil {
		return nil, err
	}

	conf := &Root{}
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, fmt.Errorf("error parsing configuration file: %w", err)
	}

	return AddDefaults(conf), nil
}

// Save writes conf back to the file.
func (c *Handler) Save(conf *Root) error {
	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("error encoding configuration: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(b)
}
