package tifs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

// Options is the mount option snapshot, read-only after attach.
type Options struct {
	// BlockSize in bytes. Zero means "whatever the filesystem was
	// formatted with" (DefaultBlockSize when this mount formats).
	BlockSize uint64 `validate:"omitempty,blocksize"`

	// DirectIO forces FOPEN_DIRECT_IO on every open, bypassing the
	// kernel page cache.
	DirectIO bool

	// MaxSize caps the reported capacity and the size any single file
	// may reach. Zero means uncapped.
	MaxSize uint64

	// TLSPath names a viper-readable config file with ca/cert/key for
	// the KV client.
	TLSPath string

	// Atime enables atime updates on read; off by default to avoid a
	// write per read.
	Atime bool
}

var optionsValidate = newOptionsValidator()

func newOptionsValidator() *validator.Validate {
	v := validator.New()
	// A block size is a power-of-two number of KiB.
	_ = v.RegisterValidation("blocksize", func(fl validator.FieldLevel) bool {
		n := fl.Field().Uint()
		return n >= 1024 && n&(n-1) == 0
	})
	return v
}

// ParseMountOptions parses the values of -o flags, each a comma separated
// option list in mount(8) style.
func ParseMountOptions(lists []string) (Options, error) {
	opts := Options{}
	for _, list := range lists {
		for _, opt := range strings.Split(list, ",") {
			if opt == "" {
				continue
			}
			name, value, hasValue := strings.Cut(opt, "=")
			switch name {
			case "blksize":
				if !hasValue {
					return opts, fmt.Errorf("%w: blksize needs a value in KiB", ErrInvalid)
				}
				kib, err := strconv.ParseUint(value, 10, 32)
				if err != nil {
					return opts, fmt.Errorf("%w: blksize: %s", ErrInvalid, err)
				}
				opts.BlockSize = kib * 1024
			case "maxsize":
				if !hasValue {
					return opts, fmt.Errorf("%w: maxsize needs a value", ErrInvalid)
				}
				size, err := humanize.ParseBytes(value)
				if err != nil {
					return opts, fmt.Errorf("%w: maxsize: %s", ErrInvalid, err)
				}
				opts.MaxSize = size
			case "tls":
				if !hasValue {
					return opts, fmt.Errorf("%w: tls needs a path", ErrInvalid)
				}
				opts.TLSPath = value
			case "direct_io":
				opts.DirectIO = true
			case "atime":
				opts.Atime = true
			case "noatime":
				opts.Atime = false
			default:
				return opts, fmt.Errorf("%w: unknown mount option %q", ErrInvalid, opt)
			}
		}
	}
	if err := optionsValidate.Struct(&opts); err != nil {
		return opts, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return opts, nil
}
