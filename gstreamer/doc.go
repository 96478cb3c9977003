// Package gstreamer adapts GStreamer pipelines to the clip recorder's
// tap and output-branch contracts.
//
// The Tap side attaches a queue → capsfilter → appsink chain to a tee
// in an existing pipeline and delivers decoded frames over a channel.
// The branch side builds a standalone appsrc → vp8enc → webmmux →
// filesink pipeline per segment, so each clip lands in its own WebM
// file.
//
// Requires the gstreamer1.0 runtime with the vpx and matroska plugin
// sets installed.
package gstreamer
