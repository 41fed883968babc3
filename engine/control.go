package engine

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

const CONTROL_FILE = "rowstore.ctl"

func newControl(blockSize int) *Control {
	return &Control{
		UUID:        uuid.NewString(),
		BlockSize:   blockSize,
		NextTrid:    1,
		NextTableID: 1,
		Tables:      map[string]uint16{},
	}
}

// readControl returns nil without an error when dir has no control file yet.
func readControl(dir string) (*Control, error) {
	data, err := os.ReadFile(filepath.Join(dir, CONTROL_FILE))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read control file")
	}

	c, err := util.ToStruct[Control](data)
	if err != nil {
		return nil, errors.Wrap(err, "decode control file")
	}
	if _, err := uuid.Parse(c.UUID); err != nil {
		return nil, errors.Wrap(err, "control file uuid")
	}
	if c.Tables == nil {
		c.Tables = map[string]uint16{}
	}
	return &c, nil
}

func writeControl(dir string, c *Control) error {
	data, err := util.ToByteSlice(c)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, CONTROL_FILE)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write control file")
	}
	return errors.Wrap(os.Rename(tmp, path), "replace control file")
}

// Control is the engine wide state kept in the data directory.
type Control struct {
	UUID              string            `msgpack:"uuid"`
	BlockSize         int               `msgpack:"block_size"`
	LastCheckpointLSN uint64            `msgpack:"checkpoint_lsn"`
	NextTrid          uint64            `msgpack:"next_trid"`
	NextTableID       uint16            `msgpack:"next_table_id"`
	Tables            map[string]uint16 `msgpack:"tables"`
}
