package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/keypoint"
	"poseoverlay/internal/pipeline"
)

// Form and query fields.
const (
	FieldKeypoints     = "keypoints"
	FieldLineColor     = "line_color"
	FieldLineThickness = "line_thickness"
	FieldPointColor    = "keypoint_color"
	FieldPointSize     = "keypoint_size"
	FieldVideo         = "video"
)

// parseSelection reads the keypoints field. An absent field selects every
// keypoint; a present but empty one selects none. Repeated fields are merged.
func parseSelection(values url.Values) (keypoint.Selection, error) {
	list, ok := values[FieldKeypoints]
	if !ok {
		return keypoint.All(), nil
	}

	return keypoint.ParseList(strings.Join(list, ","))
}

func parseStyle(values url.Values) (annotate.Style, error) {
	return annotate.ParseStyle(annotate.StyleInput{
		LineColor:     values.Get(FieldLineColor),
		LineThickness: values.Get(FieldLineThickness),
		PointColor:    values.Get(FieldPointColor),
		PointSize:     values.Get(FieldPointSize),
	})
}

// parseOptions reads the user choices from r.Form, which must be parsed.
func parseOptions(r *http.Request) (pipeline.Options, error) {
	selection, err := parseSelection(r.Form)
	if nil != err {
		return pipeline.Options{}, err
	}

	style, err := parseStyle(r.Form)
	if nil != err {
		return pipeline.Options{}, err
	}

	return pipeline.Options{Selection: selection, Style: style}, nil
}
