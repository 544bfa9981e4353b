// Package registry manages the coded reference entities that carry no
// relationships: schools, empanelled doctors and care packages.
package registry

import (
	"time"

	"github.com/ehr/carecore/internal/domain/coding"
)

// Entities served by the registry.
var registered = map[coding.EntityType]bool{
	coding.EntitySchool:           true,
	coding.EntityEmpanelledDoctor: true,
	coding.EntityPackage:          true,
}

func Supported() []coding.EntityType {
	return []coding.EntityType{coding.EntitySchool, coding.EntityEmpanelledDoctor, coding.EntityPackage}
}

type Record struct {
	ID         string            `json:"_id"`
	Code       string            `json:"code,omitempty"`
	CodeScheme string            `json:"codeScheme,omitempty"`
	CodeKey    string            `json:"codeKey,omitempty"`
	CreatedAt  *time.Time        `json:"createdAt,omitempty"`
	Entity     coding.EntityType `json:"entity"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
