package blockrec

import (
	"math/bits"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

const (
	DATA_FILE_EXT       = ".mad"
	DEFINITION_FILE_EXT = ".mai"

	MIN_BLOCK_SIZE = 1024
	MAX_BLOCK_SIZE = 32768
)

// Definition is the table description kept next to the data file, together with the
// counters that are saved on checkpoint and close.
type Definition struct {
	UUID           string          `msgpack:"uuid"`
	Name           string          `msgpack:"name"`
	ID             uint16          `msgpack:"id"`
	BlockSize      int             `msgpack:"block_size"`
	MinBlockLength int             `msgpack:"min_block_length"`
	Checksum       bool            `msgpack:"checksum"`
	Columns        []record.Column `msgpack:"columns"`
	State          State           `msgpack:"state"`
}

type State struct {
	Rows     int64  `msgpack:"rows"`
	Checksum uint32 `msgpack:"checksum"`
	// last log record reflected in Rows and Checksum
	LSN     uint64 `msgpack:"lsn"`
	Crashed bool   `msgpack:"crashed"`
}

func NewDefinition(name string, id uint16, columns []record.Column, checksum bool, blockSize, minBlockLength int) *Definition {
	return &Definition{
		UUID:           uuid.NewString(),
		Name:           name,
		ID:             id,
		BlockSize:      blockSize,
		MinBlockLength: minBlockLength,
		Checksum:       checksum,
		Columns:        columns,
	}
}

func (d *Definition) Validate() error {
	if d.Name == "" || filepath.Base(d.Name) != d.Name {
		return errors.Errorf("invalid table name %q", d.Name)
	}
	if _, err := uuid.Parse(d.UUID); err != nil {
		return errors.Wrapf(err, "table %s uuid", d.Name)
	}
	if d.BlockSize < MIN_BLOCK_SIZE || d.BlockSize > MAX_BLOCK_SIZE || bits.OnesCount(uint(d.BlockSize)) != 1 {
		return errors.Errorf("block size %d must be a power of two in %d..%d", d.BlockSize, MIN_BLOCK_SIZE, MAX_BLOCK_SIZE)
	}
	if d.MinBlockLength < 0 || d.MinBlockLength > page.EmptyPageSpace(d.BlockSize)/4 {
		return errors.Errorf("min block length %d out of range for block size %d", d.MinBlockLength, d.BlockSize)
	}
	if len(d.Columns) == 0 {
		return errors.Errorf("table %s has no columns", d.Name)
	}
	return nil
}

func definitionPath(dir, name string) string {
	return filepath.Join(dir, name+DEFINITION_FILE_EXT)
}

func dataPath(dir, name string) string {
	return filepath.Join(dir, name+DATA_FILE_EXT)
}

func ReadDefinition(dir, name string) (*Definition, error) {
	data, err := os.ReadFile(definitionPath(dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "read definition of %s", name)
	}

	def, err := util.ToStruct[Definition](data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode definition of %s", name)
	}
	return &def, nil
}

// writeDefinition replaces the definition file through a rename so a crash leaves
// either the old or the new version.
func writeDefinition(dir string, def *Definition) error {
	data, err := util.ToByteSlice(def)
	if err != nil {
		return err
	}

	path := definitionPath(dir, def.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write definition of %s", def.Name)
	}
	return errors.Wrapf(os.Rename(tmp, path), "replace definition of %s", def.Name)
}
