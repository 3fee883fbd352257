// Package overlay implements the frame transform stage: outlined text drawn
// with the bundled Go fonts, plus an optional rescale.
package overlay
