// Package policy decides whether an upstream's declared media type may be
// relayed.
package policy

import "strings"

// imageTypes is always allowed.
var imageTypes = []string{
	"image/bmp",
	"image/cgm",
	"image/g3fax",
	"image/gif",
	"image/ief",
	"image/jp2",
	"image/jpeg",
	"image/jpg",
	"image/pict",
	"image/png",
	"image/prs.btif",
	"image/svg+xml",
	"image/tiff",
	"image/vnd.adobe.photoshop",
	"image/vnd.djvu",
	"image/vnd.dwg",
	"image/vnd.dxf",
	"image/vnd.fastbidsheet",
	"image/vnd.fpx",
	"image/vnd.fst",
	"image/vnd.fujixerox.edmics-mmr",
	"image/vnd.fujixerox.edmics-rlc",
	"image/vnd.microsoft.icon",
	"image/vnd.ms-modi",
	"image/vnd.net-fpx",
	"image/vnd.wap.wbmp",
	"image/vnd.xiff",
	"image/webp",
	"image/x-cmu-raster",
	"image/x-cmx",
	"image/x-icon",
	"image/x-macpaint",
	"image/x-pcx",
	"image/x-pict",
	"image/x-portable-anymap",
	"image/x-portable-bitmap",
	"image/x-portable-graymap",
	"image/x-portable-pixmap",
	"image/x-quicktime",
	"image/x-rgb",
	"image/x-xbitmap",
	"image/x-xpixmap",
	"image/x-xwindowdump",
	"image/avif",
	"image/heic",
	"image/heif",
}

// videoTypes and audioTypes extend the set only when enabled at startup.
var videoTypes = []string{
	"video/mp4",
	"video/webm",
	"video/ogg",
	"video/quicktime",
	"video/x-msvideo",
}

var audioTypes = []string{
	"audio/mpeg",
	"audio/ogg",
	"audio/wav",
	"audio/webm",
	"audio/flac",
}

// ContentTypes is the active allowed-type set, resolved once at startup and
// immutable afterwards.
type ContentTypes struct {
	allowed map[string]struct{}
}

// New builds the allowed-type set: images always, video and audio when the
// corresponding flag is on.
func New(allowVideo, allowAudio bool) *ContentTypes {
	allowed := make(map[string]struct{}, len(imageTypes)+len(videoTypes)+len(audioTypes))
	for _, t := range imageTypes {
		allowed[t] = struct{}{}
	}
	if allowVideo {
		for _, t := range videoTypes {
			allowed[t] = struct{}{}
		}
	}
	if allowAudio {
		for _, t := range audioTypes {
			allowed[t] = struct{}{}
		}
	}
	return &ContentTypes{allowed: allowed}
}

// IsAllowed reports whether the declared content type is permitted. The
// declared value is lowercased and stripped of parameters (everything from
// the first ';'). A missing or empty type is not allowed.
func (p *ContentTypes) IsAllowed(declared string) bool {
	mediaType := strings.ToLower(declared)
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return false
	}
	_, ok := p.allowed[mediaType]
	return ok
}
