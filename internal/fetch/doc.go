// Package fetch downloads monitored pages for the poller.
//
// In "raw" mode the response body is returned unchanged. In "text" mode HTML documents
// are reduced to their main content and converted to markdown, so markup churn such as
// rotating script tags or CSRF tokens does not look like a content change.
package fetch
