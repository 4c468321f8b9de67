package client

import (
	"context"

	"github.com/menta2k/facesense/pkg/types"
)

// FaceClient is a face detection and expression inference backend
type FaceClient interface {
	// LoadModels makes sure the models at source are available to the backend
	LoadModels(ctx context.Context, source string) error
	// DetectFaces returns every face found in a base64 encoded frame
	DetectFaces(ctx context.Context, imgB64 string, opts types.DetectOptions) ([]types.FaceResult, error)
}
