package engine

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"formflow-backend/internal/metadata"
	"formflow-backend/internal/storage"
	"formflow-backend/internal/store"
)

// FileHandler manages run attachments: uploads produced by file-type blocks.
type FileHandler struct {
	store   *store.Store
	storage storage.FileStorage
	handler *Handler
	maxSize int64
}

func NewFileHandler(s *store.Store, fs storage.FileStorage, h *Handler, maxSize int64) *FileHandler {
	return &FileHandler{store: s, storage: fs, handler: h, maxSize: maxSize}
}

// RegisterFileRoutes mounts upload endpoints under /api.
func RegisterFileRoutes(app *fiber.App, fh *FileHandler) {
	api := app.Group("/api")
	api.Post("/runs/:id/files", fh.Upload)
	api.Get("/runs/:id/files", fh.List)
	api.Get("/files/:fileId", fh.Serve)
	api.Delete("/files/:fileId", fh.Delete)
}

// Upload handles POST /api/runs/:id/files
func (fh *FileHandler) Upload(c *fiber.Ctx) error {
	run, err := fh.handler.loadRun(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}
	if run.Status != metadata.RunInProgress {
		return respondError(c, NewAppError("RUN_ALREADY_SUBMITTED", 409, "Cannot attach files to a submitted run"))
	}

	file, err := c.FormFile("file")
	if err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Missing file in form data"))
	}
	if file.Size > fh.maxSize {
		msg := fmt.Sprintf("File too large: %d bytes (max %d)", file.Size, fh.maxSize)
		return respondError(c, NewAppError("FILE_TOO_LARGE", 413, msg))
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open uploaded file: %w", err)
	}
	defer src.Close()

	fileID := store.GenerateUUID()
	filename := file.Filename
	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	storagePath, err := fh.storage.Save(c.UserContext(), run.OrgID, fileID, filename, src)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}

	user := getUser(c)
	pb := fh.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.UserContext(), fh.store.DB,
		fmt.Sprintf(`INSERT INTO uploads (id, org_id, run_id, filename, storage_path, mime_type, size, uploaded_by)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(fileID), pb.Add(run.OrgID), pb.Add(run.ID), pb.Add(filename),
			pb.Add(storagePath), pb.Add(mimeType), pb.Add(file.Size), pb.Add(nilIfEmpty(userID(user)))),
		pb.Params()...)
	if err != nil {
		// Clean up stored file on DB failure
		_ = fh.storage.Delete(c.UserContext(), storagePath)
		return fmt.Errorf("insert upload: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{
		"data": fiber.Map{
			"id":        fileID,
			"filename":  filename,
			"size":      file.Size,
			"mime_type": mimeType,
			"url":       "/api/files/" + fileID,
		},
	})
}

// Serve handles GET /api/files/:fileId
func (fh *FileHandler) Serve(c *fiber.Ctx) error {
	id := c.Params("fileId")

	pb := fh.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.UserContext(), fh.store.DB,
		fmt.Sprintf("SELECT org_id, filename, storage_path, mime_type FROM uploads WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return respondError(c, NotFoundError("file", id))
	}

	orgID := fmt.Sprintf("%v", row["org_id"])
	if err := fh.handler.requireOrgRole(c, orgID, metadata.RoleCanView); err != nil {
		return respondAppError(c, err)
	}

	reader, err := fh.storage.Open(c.UserContext(), fmt.Sprintf("%v", row["storage_path"]))
	if err != nil {
		return fmt.Errorf("open stored file: %w", err)
	}
	defer reader.Close()

	c.Set("Content-Type", fmt.Sprintf("%v", row["mime_type"]))
	c.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%v"`, row["filename"]))
	return c.SendStream(reader)
}

// Delete handles DELETE /api/files/:fileId
func (fh *FileHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("fileId")

	pb := fh.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.UserContext(), fh.store.DB,
		fmt.Sprintf("SELECT org_id, storage_path FROM uploads WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return respondError(c, NotFoundError("file", id))
	}

	orgID := fmt.Sprintf("%v", row["org_id"])
	if err := fh.handler.requireOrgRole(c, orgID, metadata.RoleCanEdit); err != nil {
		return respondAppError(c, err)
	}

	if err := fh.storage.Delete(c.UserContext(), fmt.Sprintf("%v", row["storage_path"])); err != nil {
		return fmt.Errorf("delete stored file: %w", err)
	}

	pb2 := fh.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.UserContext(), fh.store.DB,
		fmt.Sprintf("DELETE FROM uploads WHERE id = %s", pb2.Add(id)), pb2.Params()...)
	if err != nil {
		return fmt.Errorf("delete upload row: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// List handles GET /api/runs/:id/files
func (fh *FileHandler) List(c *fiber.Ctx) error {
	run, err := fh.handler.loadRun(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}

	pb := fh.store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(c.UserContext(), fh.store.DB,
		fmt.Sprintf(`SELECT id, filename, mime_type, size, uploaded_by, created_at
		 FROM uploads WHERE run_id = %s ORDER BY created_at DESC`, pb.Add(run.ID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("list uploads: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}
