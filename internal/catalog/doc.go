// Package catalog loads the class catalog that maps model output indices to display names.
// The catalog is fetched once at startup from an HTTP URL, an S3 object or a local CSV file
// and is read-only for the rest of the process lifetime.
package catalog
