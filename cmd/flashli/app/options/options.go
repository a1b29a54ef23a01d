package options

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/protectli/flashli/internal/engine"
	"github.com/protectli/flashli/pkg/log"
	"github.com/protectli/flashli/pkg/options"
)

// Options carries the full configuration for a flashli run. The dry-run
// toggle is an explicit value handed to the executor at construction time,
// not an ambient global.
type Options struct {
	ImagesDir string             `json:"images-dir" mapstructure:"images-dir"`
	DryRun    bool               `json:"dry-run" mapstructure:"dry-run"`
	Log       *log.Options       `json:"log" mapstructure:"log"`
	S3        *options.S3Options `json:"s3" mapstructure:"s3"`
}

func NewOptions() *Options {
	return &Options{
		ImagesDir: engine.DefaultImagesDir,
		Log:       log.NewOptions(),
		S3:        options.NewS3Options(),
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ImagesDir, "images-dir", o.ImagesDir, "Directory holding the BIOS image files.")
	fs.BoolVar(&o.DryRun, "dry-run", o.DryRun, "Resolve the flash decision but do not invoke the external writer.")
	o.Log.AddFlags(fs)
	o.S3.AddFlags(fs)
}

// Complete merges an optional flashli.yaml config file into the options.
// A missing file is not an error.
func (o *Options) Complete() error {
	v := viper.New()
	v.SetConfigName("flashli")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/flashli")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(o); err != nil {
		return fmt.Errorf("failed to apply config file: %w", err)
	}
	return nil
}

func (o *Options) Validate() error {
	errs := []error{}
	if o.ImagesDir == "" {
		errs = append(errs, errors.New("images-dir must not be empty"))
	}
	errs = append(errs, o.Log.Validate()...)
	errs = append(errs, o.S3.Validate()...)
	return errors.Join(errs...)
}
