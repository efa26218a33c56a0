package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	cmdretrieval "github.com/saludtech/data-retrieval/internal/app/commands/retrieval"
	"github.com/saludtech/data-retrieval/internal/app/upload"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
)

func (s *Server) handleUploadImage(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'image' is required"})
		return
	}
	if max := s.cfg.Upload.MaxBodyBytes; max > 0 && fileHeader.Size > max {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the maximum allowed size"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer file.Close()

	result, err := s.uploads.Upload(c.Request.Context(), upload.Request{
		TaskID:      taskID,
		Filename:    fileHeader.Filename,
		Format:      retrieval.ImageFormat(c.PostForm("format")),
		Modality:    c.PostForm("modality"),
		Region:      c.PostForm("region"),
		Dimensions:  c.PostForm("dimensions"),
		SizeBytes:   fileHeader.Size,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// handleUploadImageBatch accepts several files under the multipart field
// "images" with parallel metadata arrays ("format", "modality", "region",
// "dimensions", one value per file). The batch attaches atomically: a
// rejected batch stores nothing.
func (s *Server) handleUploadImageBatch(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart body"})
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'images' is required"})
		return
	}

	formats := form.Value["format"]
	if len(formats) != len(files) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "one 'format' value per image is required"})
		return
	}
	modalities := form.Value["modality"]
	regions := form.Value["region"]
	dimensions := form.Value["dimensions"]

	items := make([]upload.BatchItem, 0, len(files))
	for i, fh := range files {
		if max := s.cfg.Upload.MaxBodyBytes; max > 0 && fh.Size > max {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the maximum allowed size"})
			return
		}
		file, err := fh.Open()
		if err != nil {
			s.respondError(c, err)
			return
		}
		defer file.Close()

		item := upload.BatchItem{
			Filename:    fh.Filename,
			Format:      retrieval.ImageFormat(formats[i]),
			SizeBytes:   fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        file,
		}
		if i < len(modalities) {
			item.Modality = modalities[i]
		}
		if i < len(regions) {
			item.Region = regions[i]
		}
		if i < len(dimensions) {
			item.Dimensions = dimensions[i]
		}
		items = append(items, item)
	}

	result, err := s.uploads.UploadBatch(c.Request.Context(), upload.BatchRequest{
		TaskID: taskID,
		Items:  items,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// handleDeleteImage compensates a stored image: the record is marked deleted,
// the task projection drops it and the stored object is removed.
func (s *Server) handleDeleteImage(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	imageID, err := uuid.Parse(c.Param("image_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image id must be a UUID"})
		return
	}

	var req struct {
		CommandID string `json:"command_id"`
		Reason    string `json:"reason"`
	}
	// The body is optional; a bare DELETE compensates with a fresh
	// command id and the default reason.
	_ = c.ShouldBindJSON(&req)
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}

	cmd := cmdretrieval.NewDeleteRetrievedImageCommand(req.CommandID, taskID, imageID, req.Reason)
	result, err := s.cmdHandler.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListImages(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	images, err := s.queries.ListTaskImages(c.Request.Context(), taskID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": toImageResponses(images)})
}
