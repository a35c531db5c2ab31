package sgx_ra

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/messages"
)

// ReadMREnclaves reads every hex MREnclave file in dir. Hidden files
// are skipped.
func ReadMREnclaves(dir string) ([][enclave.MeasurementSize]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading mrenclaves directory: %w", err)
	}

	var mrenclaves [][enclave.MeasurementSize]byte
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		mhex, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading mrenclave: %w", err)
		}
		mrenclave, err := hex.DecodeString(string(bytes.TrimSpace(mhex)))
		if err != nil {
			return nil, fmt.Errorf("parsing hex mrenclave %s: %w", entry.Name(), err)
		}
		if len(mrenclave) != enclave.MeasurementSize {
			return nil, fmt.Errorf("mrenclave %s should be %d bytes, but instead got %d",
				entry.Name(), enclave.MeasurementSize, len(mrenclave))
		}

		var mr [enclave.MeasurementSize]byte
		copy(mr[:], mrenclave)
		mrenclaves = append(mrenclaves, mr)
	}
	return mrenclaves, nil
}

// ParseSPID parses a hex encoded SPID.
func ParseSPID(shex string) ([messages.SPIDSize]byte, error) {
	var spid [messages.SPIDSize]byte
	b, err := hex.DecodeString(strings.TrimSpace(shex))
	if err != nil {
		return spid, fmt.Errorf("parsing hex spid: %w", err)
	}
	if len(b) != messages.SPIDSize {
		return spid, fmt.Errorf("spid should be %d bytes, but instead got %d", messages.SPIDSize, len(b))
	}
	copy(spid[:], b)
	return spid, nil
}

// ReadSPID reads a hex encoded SPID from a file.
func ReadSPID(fn string) ([messages.SPIDSize]byte, error) {
	shex, err := os.ReadFile(fn)
	if err != nil {
		return [messages.SPIDSize]byte{}, fmt.Errorf("reading spid: %w", err)
	}
	return ParseSPID(string(shex))
}

// ReadSubscription reads an IAS subscription key from a file.
func ReadSubscription(fn string) (string, error) {
	sb, err := os.ReadFile(fn)
	if err != nil {
		return "", fmt.Errorf("reading subscription key: %w", err)
	}
	return strings.TrimSpace(string(sb)), nil
}
