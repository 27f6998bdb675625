// Package module contains the data model shared by the registry packages.
package module

import (
	"fmt"
	"time"
)

// Declaration is a dependency declared by a module: the identifier of the
// required module and the version range it must satisfy.
type Declaration struct {
	Module string `json:"module"`
	Range  string `json:"range"`
}

func (d Declaration) String() string {
	return fmt.Sprintf("%s@%s", d.Module, d.Range)
}

// Version is a published version of a module.
type Version struct {
	Version string `json:"version"`
	// ArtifactRef is the opaque reference of the stored artifact, e.g. a
	// content digest.
	ArtifactRef string `json:"artifactRef"`
	// Dependencies are the declarations of this version.
	Dependencies []Declaration `json:"dependencies,omitempty"`
	Published    time.Time     `json:"published,omitzero"`
}

// Resolved is a dependency resolved to a concrete version.
type Resolved struct {
	Module      string `json:"module"`
	Version     string `json:"version"`
	ArtifactRef string `json:"artifactRef"`
	// Range is the range the version was selected for.
	Range string `json:"range"`
	// RequiredBy is the module whose declaration selected the version.
	RequiredBy string `json:"requiredBy"`
}

func (r Resolved) String() string {
	return fmt.Sprintf("%s@%s", r.Module, r.Version)
}

// Versions returns the version strings in the given order.
func Versions(versions []Version) []string {
	result := make([]string, 0, len(versions))
	for _, v := range versions {
		result = append(result, v.Version)
	}
	return result
}

// Find returns the entry for v.
func Find(versions []Version, v string) (Version, bool) {
	for _, candidate := range versions {
		if candidate.Version == v {
			return candidate, true
		}
	}
	return Version{}, false
}
