package xferdisk

import (
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/lab47/xferdisk/pkg/ovirt"
)

const (
	DefaultUsername    = "admin@internal"
	DefaultDescription = "Uploaded by xferdisk"
)

// Config describes one upload session. It can be written in HCL or, using
// a .json file name, in the JSON flavor of HCL.
type Config struct {
	Engine struct {
		URL          string `hcl:"url,optional"`
		PasswordFile string `hcl:"password_file,optional"`
		CAFile       string `hcl:"ca_file,optional"`
		Insecure     bool   `hcl:"insecure,optional"`
	} `hcl:"engine,block"`

	Disk struct {
		Name          string `hcl:"name,optional"`
		Description   string `hcl:"description,optional"`
		Format        string `hcl:"format,optional"`
		Size          int64  `hcl:"size,optional"`
		Sparse        bool   `hcl:"sparse,optional"`
		StorageDomain string `hcl:"storage_domain,optional"`
	} `hcl:"disk,block"`

	// Direct requests the host-side transfer URL instead of the proxy.
	Direct bool `hcl:"direct,optional"`

	// DiskIDPath receives the created disk id on success. Either a local
	// path or s3://bucket/key.
	DiskIDPath string `hcl:"disk_id_path,optional"`

	JournalPath string `hcl:"journal_path,optional"`

	S3   *S3Config   `hcl:"s3,block"`
	NATS *NATSConfig `hcl:"nats,block"`
}

type S3Config struct {
	Region    string `hcl:"region,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	URL       string `hcl:"host,optional"`
}

type NATSConfig struct {
	URL string `hcl:"url"`
}

func LoadConfig(path string) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.DecodeFile(path, &ctx, &cfg)
	if err != nil {
		return nil, &ConfigError{Field: path, Reason: err.Error()}
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.URL == "" {
		return &ConfigError{Field: "engine.url", Reason: "must be set"}
	}

	u, err := url.Parse(c.Engine.URL)
	if err != nil {
		return &ConfigError{Field: "engine.url", Reason: err.Error()}
	}

	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &ConfigError{Field: "engine.url", Reason: "must be an absolute http(s) URL"}
	}

	if c.Engine.PasswordFile == "" {
		return &ConfigError{Field: "engine.password_file", Reason: "must be set"}
	}

	if c.Disk.Name == "" {
		return &ConfigError{Field: "disk.name", Reason: "must be set"}
	}

	if c.Disk.StorageDomain == "" {
		return &ConfigError{Field: "disk.storage_domain", Reason: "must be set"}
	}

	if _, err := c.DiskFormat(); err != nil {
		return err
	}

	if c.Disk.Size <= 0 {
		return &ConfigError{Field: "disk.size", Reason: "must be positive"}
	}

	if c.DiskIDPath == "" {
		return &ConfigError{Field: "disk_id_path", Reason: "must be set"}
	}

	if c.NATS != nil && c.NATS.URL == "" {
		return &ConfigError{Field: "nats.url", Reason: "must be set"}
	}

	return nil
}

func (c *Config) DiskFormat() (ovirt.DiskFormat, error) {
	switch c.Disk.Format {
	case "raw":
		return ovirt.DiskFormatRaw, nil
	case "qcow2", "cow":
		return ovirt.DiskFormatCow, nil
	default:
		return "", &ConfigError{Field: "disk.format", Reason: "must be raw or qcow2, got " + c.Disk.Format}
	}
}

func (c *Config) DiskDescription() string {
	if c.Disk.Description == "" {
		return DefaultDescription
	}

	return c.Disk.Description
}

// Credentials returns the user named in the engine URL (or the default
// admin user) and the password read from the password file.
func (c *Config) Credentials() (string, string, error) {
	u, err := url.Parse(c.Engine.URL)
	if err != nil {
		return "", "", &ConfigError{Field: "engine.url", Reason: err.Error()}
	}

	username := DefaultUsername
	if u.User != nil && u.User.Username() != "" {
		username = u.User.Username()
	}

	data, err := os.ReadFile(c.Engine.PasswordFile)
	if err != nil {
		return "", "", &ConfigError{Field: "engine.password_file", Reason: err.Error()}
	}

	return username, strings.TrimRight(string(data), " \t\r\n"), nil
}
