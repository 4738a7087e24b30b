package models

// Registry lists every table this service migrates.
func Registry() []any {
	return []any{
		&CIModel{},
		&CIInstance{},
		&RelationType{},
		&Relation{},
		&RelationTrigger{},
		&TriggerExecutionLog{},
		&BatchScanTask{},
	}
}
