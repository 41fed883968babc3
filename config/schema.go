package config

import (
	"os"

	"github.com/hashicorp/hcl"
	"github.com/jobala/rowstore/record"
	"github.com/pkg/errors"
)

/*

A table schema file:

	checksum = true
	min_block_length = 32

	column "id" {
		type = "normal"
		length = 4
	}

	column "body" {
		type = "blob"
		length = 11
		nullable = true
	}

*/

// LoadSchema reads the columns of a table from an HCL schema file.
func LoadSchema(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read schema")
	}
	return ParseSchema(string(b))
}

func ParseSchema(src string) (*Schema, error) {
	var f schemaFile
	if err := hcl.Decode(&f, src); err != nil {
		return nil, errors.Wrap(err, "parse schema")
	}
	if len(f.Columns) == 0 {
		return nil, errors.New("schema has no columns")
	}

	s := &Schema{Checksum: f.Checksum, MinBlockLength: f.MinBlockLength}
	for _, col := range f.Columns {
		ft, err := record.ParseFieldType(col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", col.Name)
		}
		s.Columns = append(s.Columns, record.Column{
			Name:     col.Name,
			Type:     ft,
			Length:   col.Length,
			Nullable: col.Nullable,
		})
	}

	if _, err := record.NewSchema(s.Columns, s.Checksum, s.MinBlockLength); err != nil {
		return nil, err
	}
	return s, nil
}

type Schema struct {
	Checksum       bool
	MinBlockLength int
	Columns        []record.Column
}

type schemaFile struct {
	Checksum       bool           `hcl:"checksum"`
	MinBlockLength int            `hcl:"min_block_length"`
	Columns        []schemaColumn `hcl:"column"`
}

type schemaColumn struct {
	Name     string `hcl:",key"`
	Type     string `hcl:"type"`
	Length   int    `hcl:"length"`
	Nullable bool   `hcl:"nullable"`
}
