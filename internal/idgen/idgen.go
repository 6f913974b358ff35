// Package idgen assigns message ids.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nrednav/cuid2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
	"github.com/sony/sonyflake"
)

// Generator produces globally unique ids.
type Generator interface {
	Generate() (string, error)
}

const (
	KindUUID      = "uuid"
	KindULID      = "ulid"
	KindKSUID     = "ksuid"
	KindSonyflake = "sonyflake"
	KindNanoID    = "nanoid"
	KindCUID2     = "cuid2"
)

const (
	DefaultNanoIDSize     = 21
	DefaultNanoIDAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DefaultCUID2Length    = 24
)

// Config selects a generator.
type Config struct {
	Kind      string `mapstructure:"id_generator"`
	MachineID uint16 `mapstructure:"machine_id"`
	// Length applies to nanoid and cuid2; zero picks the library default.
	Length int `mapstructure:"id_length"`
}

// New returns the generator named by cfg.Kind. An empty kind selects UUID.
func New(cfg Config) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindUUID:
		return NewUUIDGenerator(), nil
	case KindULID:
		return NewULIDGenerator(), nil
	case KindKSUID:
		return NewKSUIDGenerator(), nil
	case KindSonyflake:
		return NewSonyflakeGenerator(cfg.MachineID)
	case KindNanoID:
		size := cfg.Length
		if size == 0 {
			size = DefaultNanoIDSize
		}
		return NewNanoIDGenerator(size, DefaultNanoIDAlphabet)
	case KindCUID2:
		length := cfg.Length
		if length == 0 {
			length = DefaultCUID2Length
		}
		return NewCUID2Generator(length)
	default:
		return nil, fmt.Errorf("unknown id generator %q", cfg.Kind)
	}
}

// UUIDGenerator generates UUID v4 ids.
type UUIDGenerator struct{}

func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

func (g *UUIDGenerator) Generate() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID: %w", err)
	}
	return id.String(), nil
}

// ULIDGenerator generates lexicographically sortable ULIDs.
type ULIDGenerator struct{}

func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

func (g *ULIDGenerator) Generate() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate ULID: %w", err)
	}
	return id.String(), nil
}

// KSUIDGenerator generates K-sortable KSUIDs.
type KSUIDGenerator struct{}

func NewKSUIDGenerator() *KSUIDGenerator {
	return &KSUIDGenerator{}
}

func (g *KSUIDGenerator) Generate() (string, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate KSUID: %w", err)
	}
	return id.String(), nil
}

// SonyflakeGenerator generates 63-bit time-ordered ids rendered in base 10.
type SonyflakeGenerator struct {
	sf *sonyflake.Sonyflake
}

// NewSonyflakeGenerator creates a generator for machineID. Instances sharing
// a store must use distinct machine ids.
func NewSonyflakeGenerator(machineID uint16) (*SonyflakeGenerator, error) {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if sf == nil {
		return nil, fmt.Errorf("sonyflake init failed")
	}
	return &SonyflakeGenerator{sf: sf}, nil
}

func (g *SonyflakeGenerator) Generate() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate sonyflake id: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}

// NanoIDGenerator generates random ids over a fixed alphabet.
type NanoIDGenerator struct {
	size     int
	alphabet string
}

// NewNanoIDGenerator requires 1 <= size <= 256 and at least two symbols.
func NewNanoIDGenerator(size int, alphabet string) (*NanoIDGenerator, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("nanoid size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("nanoid alphabet needs at least 2 characters, got %d", len(alphabet))
	}
	return &NanoIDGenerator{size: size, alphabet: alphabet}, nil
}

func (g *NanoIDGenerator) Generate() (string, error) {
	id, err := gonanoid.Generate(g.alphabet, g.size)
	if err != nil {
		return "", fmt.Errorf("failed to generate nanoid: %w", err)
	}
	return id, nil
}

// CUID2Generator generates collision-resistant ids that start with a letter.
type CUID2Generator struct {
	generate func() string
}

// NewCUID2Generator requires 2 <= length <= 32.
func NewCUID2Generator(length int) (*CUID2Generator, error) {
	if length < 2 || length > 32 {
		return nil, fmt.Errorf("cuid2 length must be between 2 and 32, got %d", length)
	}
	gen, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return nil, fmt.Errorf("failed to init cuid2: %w", err)
	}
	return &CUID2Generator{generate: gen}, nil
}

func (g *CUID2Generator) Generate() (string, error) {
	return g.generate(), nil
}
