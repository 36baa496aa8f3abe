package cases

// Collaborative field names accepted from editors. They match the JSON names
// used on the wire.
const (
	FieldCustomerName = "customerName"
	FieldDeviceModel  = "deviceModel"
	FieldSerialNumber = "serialNumber"
	FieldStatus       = "status"
	FieldIssues       = "issues"
	FieldResolution   = "resolution"
	FieldAssignee     = "assignee"
)

var editableFields = []string{
	FieldCustomerName,
	FieldDeviceModel,
	FieldSerialNumber,
	FieldStatus,
	FieldIssues,
	FieldResolution,
	FieldAssignee,
}

// EditableFields lists the collaborative field names in stable order.
func EditableFields() []string {
	fields := make([]string, len(editableFields))
	copy(fields, editableFields)
	return fields
}

// IsEditableField reports whether field may be written through UpdateFields.
// The branch is fixed at creation and never collaboratively edited.
func IsEditableField(field string) bool {
	for _, known := range editableFields {
		if known == field {
			return true
		}
	}
	return false
}

func applyField(warrantyCase *WarrantyCase, field, value string) bool {
	switch field {
	case FieldCustomerName:
		warrantyCase.CustomerName = value
	case FieldDeviceModel:
		warrantyCase.DeviceModel = value
	case FieldSerialNumber:
		warrantyCase.SerialNumber = value
	case FieldStatus:
		warrantyCase.Status = value
	case FieldIssues:
		warrantyCase.Issues = value
	case FieldResolution:
		warrantyCase.Resolution = value
	case FieldAssignee:
		warrantyCase.Assignee = value
	default:
		return false
	}
	return true
}

// WarrantyCase models one tracked repair case. Concurrent edits resolve
// last-write-wins at this layer; field locks are advisory and live in the
// collab registries.
type WarrantyCase struct {
	CaseID           int64  `gorm:"column:case_id;primaryKey;autoIncrement"`
	Branch           string `gorm:"column:branch;size:190;not null;index:idx_cases_branch_updated,priority:1"`
	CustomerName     string `gorm:"column:customer_name;size:320;not null;default:''"`
	DeviceModel      string `gorm:"column:device_model;size:190;not null;default:''"`
	SerialNumber     string `gorm:"column:serial_number;size:190;not null;default:''"`
	Status           string `gorm:"column:status;size:64;not null;default:''"`
	Issues           string `gorm:"column:issues;type:text;not null;default:''"`
	Resolution       string `gorm:"column:resolution;type:text;not null;default:''"`
	Assignee         string `gorm:"column:assignee;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_cases_branch_updated,priority:2"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	LastEditedBy     string `gorm:"column:last_edited_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (WarrantyCase) TableName() string {
	return "warranty_cases"
}

// CaseChange captures an append-only audit trail of accepted field updates.
type CaseChange struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:190;not null"`
	CaseID           int64  `gorm:"column:case_id;not null;index:idx_case_changes_case_time,priority:1"`
	EditorID         string `gorm:"column:editor_id;size:190;not null"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null;index:idx_case_changes_case_time,priority:2"`
	PreviousVersion  int64  `gorm:"column:prev_version;not null"`
	NewVersion       int64  `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CaseChange) TableName() string {
	return "case_changes"
}
