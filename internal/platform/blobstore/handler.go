package blobstore

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Serve streams blob id to the client as an attachment. Authorization is
// the caller's job.
func Serve(c echo.Context, store BlobStore, id string) error {
	rc, meta, err := store.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return fmt.Errorf("open blob %s: %w", id, err)
	}
	defer rc.Close()

	h := c.Response().Header()
	h.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": meta.FileName}))
	h.Set(echo.HeaderContentLength, strconv.FormatInt(meta.Size, 10))
	h.Set("X-Content-SHA256", meta.Hash)
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
