// Package extension implements the extension registry and message bridge.
//
// An Extension is a named unit of native functionality exposed to script:
// a JavaScript API source, optional entry points that trigger lazy binding,
// and a Handler that receives messages. Each binding of an extension into a
// script context is an instance, identified by an ID the native peer assigns.
//
// The Registry owns every Extension and its peer handle. Native peers call
// the Registry (as Upcalls) when instances come and go and when script posts
// messages; the Registry routes those to the Handler, and routes the
// Handler's replies and broadcasts back through the Native.
//
// Every failure at this boundary is absorbed: invalid peers, unknown
// instances and panicking handlers are logged and otherwise ignored, so one
// misbehaving extension cannot disturb the others.
package extension
