package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DecodeBatch reads a batch given either as a JSON array of transactions or
// as an object with a "transactions" array.
func DecodeBatch(r io.Reader) ([]domain.Transaction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}

	if data[0] == '[' {
		var batch []domain.Transaction
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}

	var wrapped struct {
		Transactions *[]domain.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Transactions == nil {
		return nil, errors.New(`expected an array or an object with "transactions"`)
	}
	return *wrapped.Transactions, nil
}
