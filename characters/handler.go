package characters

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"closureme_back/authorization"
	"closureme_back/cache"
	"closureme_back/split"
	"closureme_back/storage"
)

const maxUploadBytes = 30 << 20

// Module wires the character asset service into the HTTP layer.
type Module struct {
	service *Service
	store   *storage.CharacterStorage
}

// RegisterRoutes mounts the character asset API under /api. Every route
// except the download proxy requires an authenticated user.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	store, err := storage.NewCharacterStorageFromEnv()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("characters: MINIO_* environment variables are required")
	}

	service := NewService(db, store)
	if err := service.Migrate(); err != nil {
		return nil, err
	}

	module := &Module{service: service, store: store}

	group := router.Group("/api")
	group.GET("/proxy-download", module.handleProxyDownload)

	authed := group.Group("")
	if guard != nil {
		authed.Use(guard.RequireAuthenticated())
	} else {
		authed.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	authed.POST("/split-character", module.handleSplitCharacter)
	authed.POST("/character-info", module.handleCharacterInfo)
	authed.POST("/upload-model", module.handleUploadModel)
	authed.GET("/main-images-for-binding", module.handleMainImagesForBinding)
	authed.GET("/files", module.handleFiles)
	authed.GET("/characters", module.handleCharacters)
	authed.POST("/rename-character", module.handleRenameCharacter)
	authed.PATCH("/rename-character", module.handleRenameCharacter)
	authed.DELETE("/delete-character", module.handleDeleteCharacter)
	authed.POST("/upload-character", module.handleLegacyUpload)
	authed.GET("/download-character", module.handleDownloadCharacter)

	return module, nil
}

// Service exposes the underlying service, mainly for other modules that need
// character lookups.
func (m *Module) Service() *Service {
	return m.service
}

// Storage exposes the blob store so the pipeline can probe generated files.
func (m *Module) Storage() *storage.CharacterStorage {
	return m.store
}

func characterViewsKey(userID uint) string {
	return fmt.Sprintf("characters:views:%d", userID)
}

func (m *Module) invalidateViews(c *gin.Context, userID uint) {
	cache.InvalidateViews(c.Request.Context(), characterViewsKey(userID))
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": strings.TrimPrefix(err.Error(), ErrNotFound.Error()+": ")})
	default:
		log.Printf("characters: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// formFilePart reads one optional multipart file into memory. A missing
// field returns (nil, nil).
func formFilePart(c *gin.Context, field string) (*FilePart, error) {
	header, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s upload: %v", ErrValidation, field, err)
	}
	return readFilePart(header, field)
}

func readFilePart(header *multipart.FileHeader, field string) (*FilePart, error) {
	if header.Size > maxUploadBytes {
		return nil, fmt.Errorf("%w: %s exceeds the 30MB upload limit", ErrValidation, field)
	}
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s upload: %v", ErrValidation, field, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("characters: read %s upload: %w", field, err)
	}
	if int64(len(data)) > maxUploadBytes {
		return nil, fmt.Errorf("%w: %s exceeds the 30MB upload limit", ErrValidation, field)
	}
	return &FilePart{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// handleSplitCharacter accepts either a pre-cut head/body pair or a single
// source image plus a cut position, in which case the server performs the
// crop itself.
func (m *Module) handleSplitCharacter(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	input := SplitUploadInput{
		UserID:      userID,
		BaseName:    c.PostForm("filename"),
		UploadBatch: c.PostForm("upload_batch"),
	}

	var err error
	if input.Main, err = formFilePart(c, "main"); err != nil {
		writeServiceError(c, err)
		return
	}
	if input.Head, err = formFilePart(c, "head"); err != nil {
		writeServiceError(c, err)
		return
	}
	if input.Body, err = formFilePart(c, "body"); err != nil {
		writeServiceError(c, err)
		return
	}

	if input.Head == nil && input.Body == nil {
		source, err := formFilePart(c, "file")
		if err != nil {
			writeServiceError(c, err)
			return
		}
		if source == nil {
			writeServiceError(c, fmt.Errorf("%w: head and body files, or a source file with a cut position, are required", ErrValidation))
			return
		}
		head, body, err := m.serverSideSplit(c, source)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		if input.Main == nil {
			input.Main = source
		}
		input.Head = head
		input.Body = body
		if input.BaseName == "" {
			input.BaseName = source.Name
		}
	}

	result, err := m.service.SplitUpload(c.Request.Context(), input)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	m.invalidateViews(c, userID)
	c.JSON(http.StatusOK, gin.H{"message": "upload complete", "data": result})
}

// serverSideSplit cuts the source image at the requested row. The position
// comes as cut_ratio (0..1), or as cut_y in source pixels, optionally scaled
// from display pixels via display_height.
func (m *Module) serverSideSplit(c *gin.Context, source *FilePart) (*FilePart, *FilePart, error) {
	session, err := split.NewSession(source.Data)
	if err != nil {
		if errors.Is(err, split.ErrNotImage) {
			return nil, nil, fmt.Errorf("%w: %s is not an image file", ErrValidation, source.Name)
		}
		return nil, nil, err
	}

	switch {
	case c.PostForm("cut_ratio") != "":
		ratio, err := strconv.ParseFloat(c.PostForm("cut_ratio"), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: cut_ratio must be a number", ErrValidation)
		}
		if err := session.SetRatio(ratio); err != nil {
			return nil, nil, err
		}
	case c.PostForm("cut_y") != "":
		cutY, err := strconv.ParseFloat(c.PostForm("cut_y"), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: cut_y must be a number", ErrValidation)
		}
		if raw := c.PostForm("display_height"); raw != "" {
			displayHeight, err := strconv.ParseFloat(raw, 64)
			if err != nil || displayHeight <= 0 {
				return nil, nil, fmt.Errorf("%w: display_height must be a positive number", ErrValidation)
			}
			cutY /= session.DisplayScale(displayHeight)
		}
		if err := session.SetCutY(int(math.Round(cutY))); err != nil {
			return nil, nil, err
		}
	default:
		// Without an explicit position the session default (a half split)
		// applies.
	}

	result, err := session.Confirm()
	if err != nil {
		return nil, nil, err
	}
	if len(result.HeadPNG) == 0 || len(result.BodyPNG) == 0 {
		return nil, nil, fmt.Errorf("%w: the cut position leaves an empty head or body", ErrValidation)
	}

	base := stripExtension(source.Name)
	head := &FilePart{Name: base + "_head.png", ContentType: "image/png", Data: result.HeadPNG}
	body := &FilePart{Name: base + "_body.png", ContentType: "image/png", Data: result.BodyPNG}
	return head, body, nil
}

// handleCharacterInfo binds profile, memory and voice to a main image, with
// an optional model file in the same request. A model failure after the info
// commit is reported as partial success rather than an error.
func (m *Module) handleCharacterInfo(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	imageID, err := strconv.ParseUint(strings.TrimSpace(c.PostForm("image_id")), 10, 64)
	if err != nil {
		writeServiceError(c, fmt.Errorf("%w: image_id must be a positive integer", ErrValidation))
		return
	}

	voice, err := formFilePart(c, "voice")
	if err != nil {
		writeServiceError(c, err)
		return
	}
	model, err := formFilePart(c, "model")
	if err != nil {
		writeServiceError(c, err)
		return
	}

	info, err := m.service.AttachInfo(c.Request.Context(), AttachInfoInput{
		UserID:  userID,
		ImageID: imageID,
		Profile: ProfileFields{
			Name:      c.PostForm("name"),
			Relation:  c.PostForm("relation"),
			Particles: c.PostForm("particles"),
			Style:     c.PostForm("style"),
			Notes:     c.PostForm("notes"),
		},
		Memory: c.PostForm("memory"),
		Voice:  voice,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	m.invalidateViews(c, userID)

	response := gin.H{"message": "character info saved", "data": info}
	if model != nil {
		modelURL, err := m.service.AttachModel(c.Request.Context(), AttachModelInput{
			UserID:  userID,
			ImageID: imageID,
			Model:   model,
		})
		if err != nil {
			if errors.Is(err, ErrValidation) {
				writeServiceError(c, err)
				return
			}
			log.Printf("characters: model stage failed after info commit: %v", err)
			response["message"] = "character info saved, model upload failed"
			response["stage"] = KindModel
			response["info_committed"] = true
			c.JSON(http.StatusOK, response)
			return
		}
		response["model_path"] = modelURL
	}
	c.JSON(http.StatusOK, response)
}

func (m *Module) handleUploadModel(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	imageID, err := strconv.ParseUint(strings.TrimSpace(c.PostForm("image_id")), 10, 64)
	if err != nil {
		writeServiceError(c, fmt.Errorf("%w: image_id must be a positive integer", ErrValidation))
		return
	}
	model, err := formFilePart(c, "model")
	if err != nil {
		writeServiceError(c, err)
		return
	}

	modelURL, err := m.service.AttachModel(c.Request.Context(), AttachModelInput{
		UserID:  userID,
		ImageID: imageID,
		Model:   model,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	m.invalidateViews(c, userID)
	c.JSON(http.StatusOK, gin.H{"message": "model uploaded", "model_path": modelURL})
}

func (m *Module) handleMainImagesForBinding(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	views, err := m.service.ListMainImagesForBinding(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK", "data": views})
}

// handleFiles lists complete characters with a cache-busting v= parameter on
// every asset URL, so a rename or re-upload is never hidden by browser
// caches.
func (m *Module) handleFiles(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	views, err := m.service.ListCharacters(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	type fileEntry struct {
		ImageID     uint64 `json:"image_id"`
		UploadBatch string `json:"upload_batch"`
		FileName    string `json:"file_name"`
		ImagePath   string `json:"image_path"`
		ProfilePath string `json:"profile_path,omitempty"`
		MemoryPath  string `json:"memory_path,omitempty"`
		UploadedAt  int64  `json:"uploaded_at"`
	}
	entries := make([]fileEntry, 0, len(views))
	for _, view := range views {
		version := strconv.FormatInt(view.UploadedAt.Unix(), 10)
		entries = append(entries, fileEntry{
			ImageID:     view.ImageID,
			UploadBatch: view.UploadBatch,
			FileName:    view.FileName,
			ImagePath:   withVersion(view.ImagePath, version),
			ProfilePath: withVersion(view.ProfilePath, version),
			MemoryPath:  withVersion(view.MemoryPath, version),
			UploadedAt:  view.UploadedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK", "data": entries})
}

func withVersion(rawURL, version string) string {
	if rawURL == "" {
		return ""
	}
	separator := "?"
	if strings.Contains(rawURL, "?") {
		separator = "&"
	}
	return rawURL + separator + "v=" + url.QueryEscape(version)
}

// characterListEntry is the home-page list shape; voice and model paths stay
// server-side.
type characterListEntry struct {
	FileName    string `json:"file_name"`
	ImagePath   string `json:"image_path"`
	ProfilePath string `json:"profile_path,omitempty"`
	MemoryPath  string `json:"memory_path,omitempty"`
	UploadedAt  int64  `json:"uploaded_at"`
}

// handleCharacters serves the home-page character list, with a short-lived
// Redis cache in front of the database.
func (m *Module) handleCharacters(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	key := characterViewsKey(userID)

	var cached []characterListEntry
	if cache.GetView(c.Request.Context(), key, &cached) {
		c.JSON(http.StatusOK, gin.H{"message": "OK", "data": cached})
		return
	}

	views, err := m.service.ListCharacters(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	entries := make([]characterListEntry, 0, len(views))
	for _, view := range views {
		entries = append(entries, characterListEntry{
			FileName:    view.FileName,
			ImagePath:   view.ImagePath,
			ProfilePath: view.ProfilePath,
			MemoryPath:  view.MemoryPath,
			UploadedAt:  view.UploadedAt.Unix(),
		})
	}
	cache.SetView(c.Request.Context(), key, entries, cache.DefaultViewTTL)
	c.JSON(http.StatusOK, gin.H{"message": "OK", "data": entries})
}

type familyRequest struct {
	FileName    string `json:"fileName" form:"fileName"`
	UploadBatch string `json:"uploadBatch" form:"uploadBatch"`
	NewName     string `json:"newName" form:"newName"`
}

func (m *Module) handleRenameCharacter(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	var req familyRequest
	if err := c.ShouldBind(&req); err != nil {
		writeServiceError(c, fmt.Errorf("%w: invalid request payload", ErrValidation))
		return
	}

	result, err := m.service.Rename(c.Request.Context(), userID, FamilySelector{
		FileName:    req.FileName,
		UploadBatch: req.UploadBatch,
	}, req.NewName)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	m.invalidateViews(c, userID)
	c.JSON(http.StatusOK, gin.H{"message": "rename complete", "data": result})
}

func (m *Module) handleDeleteCharacter(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	var req familyRequest
	if err := c.ShouldBind(&req); err != nil {
		writeServiceError(c, fmt.Errorf("%w: invalid request payload", ErrValidation))
		return
	}

	removed, err := m.service.Delete(c.Request.Context(), userID, FamilySelector{
		FileName:    req.FileName,
		UploadBatch: req.UploadBatch,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	m.invalidateViews(c, userID)
	c.JSON(http.StatusOK, gin.H{"message": "delete complete", "removed": removed})
}

// handleLegacyUpload keeps the single-call upload flow for older clients.
func (m *Module) handleLegacyUpload(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	form, err := c.MultipartForm()
	if err != nil {
		writeServiceError(c, fmt.Errorf("%w: invalid multipart payload", ErrValidation))
		return
	}

	var files []*FilePart
	for _, header := range form.File["file"] {
		part, err := readFilePart(header, "file")
		if err != nil {
			writeServiceError(c, err)
			return
		}
		files = append(files, part)
	}
	voice, err := formFilePart(c, "voice")
	if err != nil {
		writeServiceError(c, err)
		return
	}

	result, err := m.service.LegacyUpload(c.Request.Context(), LegacyUploadInput{
		UserID:   userID,
		BaseName: c.PostForm("filename"),
		Files:    files,
		Profile:  c.PostForm("profile"),
		Memory:   c.PostForm("memory"),
		Voice:    voice,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	m.invalidateViews(c, userID)
	c.JSON(http.StatusOK, gin.H{"message": "upload complete", "data": result})
}

func (m *Module) handleDownloadCharacter(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	name := strings.TrimSpace(c.Query("fileName"))
	if name == "" {
		writeServiceError(c, fmt.Errorf("%w: fileName is required", ErrValidation))
		return
	}

	view, err := m.service.CharacterByName(c.Request.Context(), userID, name)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "OK",
		"data": gin.H{
			"filename":    view.FileName,
			"imagePath":   view.ImagePath,
			"profilePath": view.ProfilePath,
			"memoryPath":  view.MemoryPath,
			"voicePath":   view.VoicePath,
		},
	})
}

// handleProxyDownload streams a stored object through the backend. It is
// unauthenticated so generated pages can embed asset URLs directly; the key
// shape check keeps it from reading outside the upload prefix.
func (m *Module) handleProxyDownload(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("url"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("key"))
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url or key is required"})
		return
	}

	key, ok := m.store.KeyFromURL(raw)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized download target"})
		return
	}
	if err := storage.ValidateObjectKey(m.store.Prefix(), key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized download target"})
		return
	}

	object, contentType, size, err := m.store.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		log.Printf("characters: proxy download %s: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	defer object.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := strings.TrimSpace(c.Query("filename"))
	if name == "" {
		name = key[strings.LastIndex(key, "/")+1:]
	}
	c.DataFromReader(http.StatusOK, size, contentType, object, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
	})
}
