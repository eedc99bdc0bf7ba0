package pngmeta

// Text keywords written next to every rendered frame
const (
	KeyLatitude    = "gps_latitude"
	KeyLongitude   = "gps_longitude"
	KeyZoom        = "zoom"
	KeyGenerator   = "generator"
	KeyMarkerStyle = "marker_style"
	KeyMarkerSize  = "marker_size"
	KeyCenterPixel = "center_px" // "x,y" of the GPS point in the frame
)
