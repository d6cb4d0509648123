// Package photo lets the model look at image files from the conversation's
// working directory.
package photo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/warden/internal/tools"
)

// maxPhotoBytes caps what we are willing to base64 into a model request.
const maxPhotoBytes = 5 << 20

var mediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Provider declares view_photo.
type Provider struct{}

func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Name() string { return "photo" }

func (p *Provider) Declare() ([]tools.Tool, map[string]any, map[string]any) {
	declared := []tools.Tool{{
		Name:  "view_photo",
		Title: "View photo",
		Description: "Load an image file so you can see it. Relative paths resolve " +
			"against the conversation's working directory. Supported formats: " +
			"jpg, jpeg, png, gif, webp.",
		Params: map[string]*tools.Param{
			"photo_path": {
				Type:        tools.TypeString,
				Description: "Path to the image file",
				Required:    true,
			},
		},
	}}
	return declared, nil, map[string]any{"photos_viewed": 0}
}

func (p *Provider) Invoke(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error) {
	if toolName != "view_photo" {
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, toolName)
	}
	path, _ := args["photo_path"].(string)
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("photo_path must not be empty")
	}

	mediaType, ok := mediaTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("unsupported image format %q", filepath.Ext(path))
	}

	if !filepath.IsAbs(path) {
		workDir, _ := convState[tools.StateWorkingDirectory].(string)
		if workDir == "" {
			return nil, errors.New("no working directory to resolve relative path against")
		}
		path = filepath.Join(workDir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("photo not found: %s", path)
	}
	if info.Size() > maxPhotoBytes {
		return nil, fmt.Errorf("photo is %d bytes, limit is %d", info.Size(), maxPhotoBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}

	switch n := convState["photos_viewed"].(type) {
	case int:
		convState["photos_viewed"] = n + 1
	case float64:
		convState["photos_viewed"] = n + 1
	default:
		convState["photos_viewed"] = 1
	}

	return &tools.Image{
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(data),
	}, nil
}
