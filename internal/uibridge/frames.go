package uibridge

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
)

// maxFrameBytes caps one uploaded camera frame.
const maxFrameBytes = 8 << 20

// FrameSink receives camera frames uploaded by the UI.
// [video.LatestFrame] implements it.
type FrameSink interface {
	Put(img image.Image)
}

// RegisterFrameUpload adds POST /camera/frame, which decodes a JPEG or PNG
// body and hands it to sink. The still sampler picks it up on its next tick.
func RegisterFrameUpload(mux *http.ServeMux, sink FrameSink) {
	mux.HandleFunc("POST /camera/frame", func(w http.ResponseWriter, r *http.Request) {
		body := http.MaxBytesReader(w, r.Body, maxFrameBytes)
		img, _, err := image.Decode(body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "body must be a JPEG or PNG image")
			return
		}
		sink.Put(img)
		w.WriteHeader(http.StatusNoContent)
	})
}
