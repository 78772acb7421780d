package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"hubdata/format"
	"hubdata/schema"
	"hubdata/storage"
)

// DefaultModelOutputDir is where hubs keep contributions unless their admin
// config says otherwise.
const DefaultModelOutputDir = "model-output"

// HubAdmin holds the keys of a hub's hub-config/admin.json that matter for
// reading model output.
type HubAdmin struct {
	ModelOutputDir string   `json:"model_output_dir"`
	FileFormat     []string `json:"file_format"`
}

// LoadHubAdmin reads hub-config/admin.json under root. A missing file gives
// the defaults.
func LoadHubAdmin(ctx context.Context, b storage.Backend, root string) (HubAdmin, error) {
	admin := HubAdmin{ModelOutputDir: DefaultModelOutputDir}
	p := storage.Join(root, "hub-config", "admin.json")

	obj, err := b.Open(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return admin, nil
	}
	if err != nil {
		return admin, fmt.Errorf("open %s: %w", p, err)
	}
	defer obj.Close()

	if err := json.NewDecoder(io.NewSectionReader(obj, 0, obj.Size())).Decode(&admin); err != nil {
		return admin, fmt.Errorf("decode %s: %w", p, err)
	}
	if admin.ModelOutputDir == "" {
		admin.ModelOutputDir = DefaultModelOutputDir
	}
	return admin, nil
}

// Hub is a configured hub resolved to what a dataset build needs.
type Hub struct {
	Name     string
	Location storage.Location
	Backend  storage.Backend
	Root     string // model output prefix inside Backend
	Schema   *schema.LogicalSchema
	Formats  []format.Format
}

// OpenHub resolves the named hub: it opens the storage backend, reads the
// admin config when asked to and picks the schema of the hub's family.
func (c *Config) OpenHub(ctx context.Context, name string) (*Hub, error) {
	hc, ok := c.Hubs[name]
	if !ok {
		return nil, fmt.Errorf("unknown hub %q", name)
	}
	loc, err := storage.ParseLocation(hc.Root)
	if err != nil {
		return nil, err
	}
	b, err := storage.Open(ctx, loc, c.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("open hub %s: %w", name, err)
	}
	return c.resolveHub(ctx, name, hc, loc, b)
}

func (c *Config) resolveHub(ctx context.Context, name string, hc HubConfig, loc storage.Location, b storage.Backend) (*Hub, error) {
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	ls, err := reg.Lookup(hc.Family)
	if err != nil {
		return nil, fmt.Errorf("hub %s: %w", name, err)
	}

	dir := hc.ModelOutputDir
	formatNames := hc.Formats
	if hc.AdminConfig {
		admin, err := LoadHubAdmin(ctx, b, loc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("hub %s: %w", name, err)
		}
		if dir == "" {
			dir = admin.ModelOutputDir
		}
		if len(formatNames) == 0 {
			formatNames = admin.FileFormat
		}
	}
	if dir == "" {
		dir = DefaultModelOutputDir
	}

	formats, err := format.ParseFormats(formatNames)
	if err != nil {
		return nil, fmt.Errorf("hub %s: %w", name, err)
	}
	if len(formats) == 0 {
		formats = []format.Format{format.CSV, format.Parquet, format.IPC}
	}

	return &Hub{
		Name:     name,
		Location: loc,
		Backend:  b,
		Root:     modelOutputRoot(loc.Prefix, dir),
		Schema:   ls,
		Formats:  formats,
	}, nil
}

// modelOutputRoot joins prefix and dir into a listing prefix ending in "/",
// or "" for the backend root.
func modelOutputRoot(prefix, dir string) string {
	root := strings.TrimPrefix(path.Join(prefix, dir), "/")
	if root == "." || root == "" {
		return ""
	}
	return root + "/"
}
