package aggregator

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed sync_response.schema.json
var syncResponseSchema []byte

var (
	syncSchemaOnce sync.Once
	syncSchema     *jsonschema.Schema
	syncSchemaErr  error
)

func compiledSyncSchema() (*jsonschema.Schema, error) {
	syncSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(syncResponseSchema))
		if err != nil {
			syncSchemaErr = fmt.Errorf("parse sync schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("sync_response.schema.json", doc); err != nil {
			syncSchemaErr = fmt.Errorf("add sync schema: %w", err)
			return
		}
		syncSchema, syncSchemaErr = compiler.Compile("sync_response.schema.json")
	})
	return syncSchema, syncSchemaErr
}

// ValidateSyncResponse checks a raw delta-sync payload against the wire
// schema. Every inbound payload passes through here before decoding.
func ValidateSyncResponse(raw []byte) error {
	sch, err := compiledSyncSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return sch.Validate(inst)
}
