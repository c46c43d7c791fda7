package models

type Dependency struct {
	FeatureID          string `json:"feature_id"`
	DependsOnFeatureID string `json:"depends_on_feature_id"`

	// Helper fields for staging/resolution
	FeatureName          string `json:"feature_name,omitempty"`
	DependsOnFeatureName string `json:"depends_on_feature_name,omitempty"`
}
