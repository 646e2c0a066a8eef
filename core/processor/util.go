package processor

import (
	"encoding/json"
	"path/filepath"

	"github.com/scoutdb/scout/core/common"
)

// indexPath is the on-disk root for one index environment, rooted under
// the configured data directory (spec.md §6 "<data_root>/indexes/<uuid>").
func indexPath(cfg common.Config, uuid string) string {
	root := cfg["dataRoot"].String()
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "indexes", uuid)
}

// decodeDocumentBatch parses a staged ingestion payload: a JSON array of
// document objects (spec.md §6's ingestion wire shape).
func decodeDocumentBatch(raw []byte) ([]map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var docs []map[string]interface{}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, common.NewError(common.CodeFilterParseError, common.UserError, common.WARN, "malformed document payload", err)
	}
	return docs, nil
}
