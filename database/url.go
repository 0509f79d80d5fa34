package database

import (
	"net/url"
)

// ConstructDatabaseURL points a server URL at databaseName, replacing any database already in
// the path. sslmode=disable is added unless the URL sets an sslmode. The base URL is returned
// unchanged when databaseName is empty or the URL cannot be parsed.
func ConstructDatabaseURL(baseURL, databaseName string) string {
	if databaseName == "" {
		return baseURL
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	u.Path = "/" + databaseName
	u.RawPath = ""

	query := u.Query()
	if query.Get("sslmode") == "" {
		query.Set("sslmode", "disable")
	}
	u.RawQuery = query.Encode()

	return u.String()
}
