package core

import (
	"strings"

	"ci-replicator/internal/common/errors"
)

const imageRefChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-/:@"

// ValidateImageReference checks the character set of an OCI image reference and, when
// requireTag is set, that the last path segment carries a tag or digest
func ValidateImageReference(ref string, requireTag bool) error {
	if ref == "" {
		return errors.DefinitionError("image reference must not be empty")
	}
	for _, c := range ref {
		if !strings.ContainsRune(imageRefChars, c) {
			return errors.DefinitionErrorf("image reference %q contains forbidden character %q", ref, c)
		}
	}
	if strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/") || strings.Contains(ref, "//") {
		return errors.DefinitionErrorf("image reference %q has an empty path segment", ref)
	}
	if !requireTag {
		return nil
	}

	last := ref[strings.LastIndex(ref, "/")+1:]
	sep := strings.LastIndex(last, ":")
	if sep < 0 {
		return errors.DefinitionErrorf("image reference %q must carry a tag (e.g. %s:latest)", ref, ref)
	}
	if sep == len(last)-1 {
		return errors.DefinitionErrorf("image reference %q has an empty tag", ref)
	}
	return nil
}
