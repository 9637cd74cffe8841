package fhir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// FormatETag creates a weak ETag from a version id.
func FormatETag(versionID string) string {
	return fmt.Sprintf(`W/"%s"`, versionID)
}

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (string, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	if etag == "" {
		return "", fmt.Errorf("ETag must contain a version")
	}
	if _, err := strconv.Atoi(etag); err != nil {
		return "", fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return etag, nil
}

// NextVersion increments a decimal versionId string. An empty current version
// yields "1".
func NextVersion(current string) string {
	if current == "" {
		return "1"
	}
	n, err := strconv.Atoi(current)
	if err != nil {
		return "1"
	}
	return strconv.Itoa(n + 1)
}

// SetVersionHeaders sets ETag and Last-Modified on the response.
func SetVersionHeaders(c echo.Context, versionID, lastModified string) {
	c.Response().Header().Set("ETag", FormatETag(versionID))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}

// CheckIfMatch validates an If-Match header against the stored version.
// A missing header means an unconditional update. A mismatch is a 412.
func CheckIfMatch(c echo.Context, currentVersion string) error {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return nil
	}
	expected, err := ParseETag(ifMatch)
	if err != nil {
		return BadRequest("invalid If-Match header: %s", err.Error())
	}
	if expected != currentVersion {
		return PreconditionFailed("version conflict: If-Match expected version %s but resource is at version %s", expected, currentVersion)
	}
	return nil
}
