package types

// UploadRequest holds the form fields of an artifact upload.
type UploadRequest struct {
	Name        string `validate:"required,max=256"`
	Description string `validate:"max=4096"`
	Group       string `validate:"max=128"`
	Kind        string `validate:"omitempty,oneof=single bundle"`
}

type UpdateArtifactRequest struct {
	Description *string `json:"description" validate:"omitempty,max=4096"`
	Group       *string `json:"group" validate:"omitempty,max=128"`
}
