package playbook

import "github.com/pravado/playbook/id"

// ID is the primary identifier type for all playbook entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
