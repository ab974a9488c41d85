package handlers

import (
	"net/http"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/keypoint"
)

// Bounds is an inclusive integer range.
type Bounds struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// KeypointsInfo describes the customization controls.
type KeypointsInfo struct {
	Keypoints   []keypoint.Keypoint   `json:"keypoints"`
	Connections []keypoint.Connection `json:"connections"`
	Defaults    annotate.Style        `json:"defaults"`
	Thickness   Bounds                `json:"line_thickness"`
	Size        Bounds                `json:"keypoint_size"`
}

// HandleKeypoints serves the keypoint catalog and the style controls.
func HandleKeypoints(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, http.StatusOK, KeypointsInfo{
		Keypoints:   keypoint.Catalog(),
		Connections: keypoint.Topology(),
		Defaults:    annotate.DefaultStyle(),
		Thickness:   Bounds{Min: annotate.MinLineThickness, Max: annotate.MaxLineThickness},
		Size:        Bounds{Min: annotate.MinPointSize, Max: annotate.MaxPointSize},
	})
}
