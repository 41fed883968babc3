package util

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

func ToByteSlice[T any](obj T) ([]byte, error) {
	data, err := msgpack.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}

	return data, nil
}

func ToStruct[T any](data []byte) (T, error) {
	var res T

	if err := msgpack.Unmarshal(data, &res); err != nil {
		return res, errors.Wrap(err, "msgpack decode")
	}

	return res, nil
}
