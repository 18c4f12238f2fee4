// Package aravis is the root of a machine-vision library for industrial
// cameras speaking the GigE Vision and USB3 Vision transport protocols.
//
// The library exposes a camera through its GenICam feature tree: a
// vendor-supplied XML document describing registers, constraints and
// user-facing features. Clients set features by name, start acquisition,
// and receive fully reassembled image buffers.
//
// The root package holds only the error taxonomy shared by all layers.
// See the camera package for the high-level entry point, gige and usb3
// for the transport engines, and genicam for the feature graph.
package aravis
