package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the catalog and (optional) formulas file and builds a Registry.
// formulasPath may be empty.
func Load(catalogPath, formulasPath string) (*Registry, error) {
	catalogData, err := os.ReadFile(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var formulaData []byte
	if formulasPath != "" {
		formulaData, err = os.ReadFile(formulasPath)
		if err != nil {
			return nil, fmt.Errorf("read formulas: %w", err)
		}
	}

	return Parse(catalogData, formulaData)
}

// Parse decodes YAML bytes and builds a validated Registry.
func Parse(catalogData, formulaData []byte) (*Registry, error) {
	var doc Document
	if err := decodeStrict(catalogData, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	var fdoc FormulaDocument
	if len(bytes.TrimSpace(formulaData)) > 0 {
		if err := decodeStrict(formulaData, &fdoc); err != nil {
			return nil, fmt.Errorf("decode formulas: %w", err)
		}
	}

	return build(&doc, &fdoc)
}

// decodeStrict: KnownFields(true)로 오타/미사용 필드 즉시 실패
func decodeStrict(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// Hash generates SHA256 hash of a document (canonical JSON)
// 주의: map 대신 struct 사용으로 해시 재현성 보장
func Hash(v interface{}) (string, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(sum[:]), nil
}
