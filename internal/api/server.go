package api

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/segformer/internal/checkpoint"
	"github.com/samcharles93/segformer/internal/convert"
	"github.com/samcharles93/segformer/internal/labels"
	"github.com/samcharles93/segformer/internal/preprocess"
	"github.com/samcharles93/segformer/internal/segformer"
	"github.com/samcharles93/segformer/internal/tensor"
	"github.com/samcharles93/segformer/internal/webui"
)

const (
	defaultModelID = "default"
	defaultTopK    = 5
)

type Server struct {
	store    *ResultStore
	provider ModelProvider
	clock    func() time.Time
}

func NewServer(store *ResultStore, provider ModelProvider) *Server {
	if store == nil {
		store = NewResultStore(0)
	}
	return &Server{
		store:    store,
		provider: provider,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/", echo.WrapHandler(webui.Handler()))
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/labels", s.handleLabels)

	e.POST("/v1/segment", s.handleSegment)
	e.GET("/v1/segmentations/:id", s.handleGetSegmentation)
	e.DELETE("/v1/segmentations/:id", s.handleDeleteSegmentation)
	e.GET("/v1/segmentations/:id/mask.png", s.handleMask)

	e.POST("/v1/classify", s.handleClassify)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model provider not configured", "", "")
	}
	ids, err := s.provider.ListModels()
	if err != nil {
		return writeServiceError(c, err)
	}
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, ModelInfo{ID: id, Object: "model", OwnedBy: "local"})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleLabels(c *echo.Context) error {
	name := c.QueryParam("dataset")
	if name == "" {
		name = labels.ADE20K.Name
	}
	t, err := labels.ByName(name)
	if err != nil {
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), "dataset", "")
	}
	out := LabelTable{Object: "labels", Dataset: t.Name, Labels: make([]LabelEntry, t.Len())}
	for i, l := range t.Labels {
		out.Labels[i] = LabelEntry{ID: i, Label: l, Color: t.Color(i).Hex()}
	}
	return c.JSON(http.StatusOK, out)
}

// imageRequest is the JSON form of an inference request. Image holds the
// base64 encoded file.
type imageRequest struct {
	Model  string `json:"model"`
	Image  string `json:"image"`
	Format string `json:"format"`
	TopK   int    `json:"top_k"`
}

// readImageRequest accepts a multipart form with an "image" file, a JSON
// body, or the raw image bytes as the request body. Query parameters fill in
// what the body leaves out.
func readImageRequest(c *echo.Context) (imageRequest, []byte, error) {
	req := imageRequest{
		Model:  c.QueryParam("model"),
		Format: c.QueryParam("format"),
	}
	if k := c.QueryParam("top_k"); k != "" {
		n, err := strconv.Atoi(k)
		if err != nil {
			return req, nil, newInvalidRequest("top_k must be an integer")
		}
		req.TopK = n
	}

	ct := c.Request().Header.Get(echo.HeaderContentType)
	switch {
	case strings.HasPrefix(ct, echo.MIMEMultipartForm):
		fh, err := c.FormFile("image")
		if err != nil {
			return req, nil, newInvalidRequest("multipart field \"image\" is required")
		}
		f, err := fh.Open()
		if err != nil {
			return req, nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return req, nil, err
		}
		if m := c.FormValue("model"); m != "" {
			req.Model = m
		}
		if v := c.FormValue("format"); v != "" {
			req.Format = v
		}
		return req, data, nil

	case strings.HasPrefix(ct, echo.MIMEApplicationJSON):
		var body imageRequest
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
			return req, nil, newInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
		}
		if body.Image == "" {
			return req, nil, newInvalidRequest("image is required")
		}
		data, err := base64.StdEncoding.DecodeString(body.Image)
		if err != nil {
			return req, nil, newInvalidRequest("image must be base64 encoded")
		}
		req.Model = cmp.Or(body.Model, req.Model)
		req.Format = cmp.Or(body.Format, req.Format)
		req.TopK = cmp.Or(body.TopK, req.TopK)
		return req, data, nil

	default:
		data, err := io.ReadAll(c.Request().Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return req, nil, err
			}
			return req, nil, newInvalidRequest(err.Error())
		}
		if len(data) == 0 {
			return req, nil, newInvalidRequest("request body is empty")
		}
		return req, data, nil
	}
}

func decodeImage(data []byte) (*imageInput, error) {
	img, err := preprocess.DecodeBytes(data)
	if err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	b := img.Bounds()
	return &imageInput{img: img, width: b.Dx(), height: b.Dy()}, nil
}

func (s *Server) handleSegment(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model provider not configured", "", "")
	}
	req, data, err := readImageRequest(c)
	if err != nil {
		return writeRequestError(c, err)
	}
	switch req.Format {
	case "", "json", "png":
	default:
		return writeBadRequest(c, fmt.Sprintf("unknown format %q", req.Format))
	}
	in, err := decodeImage(data)
	if err != nil {
		return writeServiceError(c, err)
	}

	ctx := c.Request().Context()
	var rec *segmentationRecord
	err = s.provider.WithModel(ctx, req.Model, func(b *convert.Bundle) error {
		seg, ok := b.Model.(*segformer.SemanticSegmentation)
		if !ok || b.Head != checkpoint.HeadSegmentation {
			return newInvalidRequest(fmt.Sprintf("model has a %s head, not a segmentation head", b.Head))
		}
		pixels, err := b.Preprocess.Batch(in.img)
		if err != nil {
			return err
		}
		maps, err := seg.Segment(ctx, pixels, []segformer.Size{{Height: in.height, Width: in.width}})
		if err != nil {
			return err
		}
		rec = s.newRecord(cmp.Or(req.Model, defaultModelID), b.Config.Labels(), maps[0])
		return nil
	})
	if err != nil {
		return writeServiceError(c, err)
	}
	s.store.Put(rec)

	if req.Format == "png" {
		return writeMask(c, rec)
	}
	return c.JSON(http.StatusOK, rec.Result)
}

type imageInput struct {
	img           image.Image
	width, height int
}

func (s *Server) newRecord(model string, names []string, cm segformer.ClassMap) *segmentationRecord {
	palette := labels.ForNames(names)
	id := newSegmentationID()
	counts := labels.Histogram(cm.Classes, palette.Len())
	total := float64(len(cm.Classes))
	var found []LabelCount
	for i, n := range counts {
		if n == 0 {
			continue
		}
		name, _ := palette.Label(i)
		found = append(found, LabelCount{
			ID:       i,
			Label:    name,
			Pixels:   n,
			Fraction: float64(n) / total,
			Color:    palette.Color(i).Hex(),
		})
	}
	slices.SortStableFunc(found, func(a, b LabelCount) int {
		return cmp.Compare(b.Pixels, a.Pixels)
	})
	return &segmentationRecord{
		Result: SegmentationResponse{
			ID:      id,
			Object:  "segmentation",
			Created: s.clock().Unix(),
			Model:   model,
			Width:   cm.Width,
			Height:  cm.Height,
			Labels:  found,
			MaskURL: "/v1/segmentations/" + id + "/mask.png",
		},
		Classes: cm.Classes,
		Palette: palette,
	}
}

func writeMask(c *echo.Context, rec *segmentationRecord) error {
	img := labels.Colorize(rec.Classes, rec.Result.Width, rec.Result.Height, rec.Palette)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	c.Response().Header().Set("X-Segmentation-Id", rec.Result.ID)
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) handleGetSegmentation(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "segmentation not found")
	}
	return c.JSON(http.StatusOK, rec.Result)
}

func (s *Server) handleMask(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "segmentation not found")
	}
	return writeMask(c, rec)
}

func (s *Server) handleDeleteSegmentation(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "segmentation not found")
	}
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "segmentation", Deleted: true})
}

func (s *Server) handleClassify(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model provider not configured", "", "")
	}
	req, data, err := readImageRequest(c)
	if err != nil {
		return writeRequestError(c, err)
	}
	if req.TopK < 0 {
		return writeBadRequest(c, "top_k must not be negative")
	}
	in, err := decodeImage(data)
	if err != nil {
		return writeServiceError(c, err)
	}

	ctx := c.Request().Context()
	var resp ClassificationResponse
	err = s.provider.WithModel(ctx, req.Model, func(b *convert.Bundle) error {
		cls, ok := b.Model.(*segformer.ImageClassification)
		if !ok || b.Head != checkpoint.HeadClassification {
			return newInvalidRequest(fmt.Sprintf("model has a %s head, not a classification head", b.Head))
		}
		pixels, err := b.Preprocess.Batch(in.img)
		if err != nil {
			return err
		}
		out, err := cls.Forward(ctx, pixels, segformer.ForwardOptions{
			OutputAttentions:   segformer.Bool(false),
			OutputHiddenStates: segformer.Bool(false),
		})
		if err != nil {
			return err
		}
		resp = ClassificationResponse{
			ID:      "cls_" + newRequestID(),
			Object:  "classification",
			Created: s.clock().Unix(),
			Model:   cmp.Or(req.Model, defaultModelID),
			Classes: topK(out.Logits.Sample(0), b.Config.Labels(), cmp.Or(req.TopK, defaultTopK)),
		}
		return nil
	})
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// topK returns the k most probable classes of one row of logits.
func topK(logits []float32, names []string, k int) []ClassScore {
	probs := slices.Clone(logits)
	tensor.Softmax(probs)
	out := make([]ClassScore, len(probs))
	for i, p := range probs {
		out[i] = ClassScore{ID: i, Score: p}
		if i < len(names) {
			out[i].Label = names[i]
		}
	}
	slices.SortStableFunc(out, func(a, b ClassScore) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return out[:min(k, len(out))]
}

func writeRequestError(c *echo.Context, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), "", "body_too_large")
	}
	return writeServiceError(c, err)
}
