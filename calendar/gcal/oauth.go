package gcal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/net/context"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// calendarScope limits access to calendars created by this app.
	calendarScope = "https://www.googleapis.com/auth/calendar.app.created"

	// tokenPath is where the refreshed OAuth token is persisted between
	// runs, relative to the working directory.
	tokenPath = "token_cache.json"
)

// getOAuthClient builds an authenticated HTTP client from the
// application secret JSON at secretPath.  A cached token is reused when
// present; otherwise the installed-app flow prompts on the console.
func getOAuthClient(secretPath string) (*http.Client, error) {
	secret, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, fmt.Errorf("ReadFile(%q): %w", secretPath, err)
	}
	config, err := google.ConfigFromJSON(secret, calendarScope)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret: %w", err)
	}
	ctx := context.Background()
	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		if tok, err = fetchToken(ctx, config); err != nil {
			return nil, err
		}
		if err := saveToken(tokenPath, tok); err != nil {
			return nil, err
		}
	}
	return config.Client(ctx, tok), nil
}

// fetchToken uses config to request a token interactively.
func fetchToken(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Visit this URL in your browser: \n%v\n", authURL)

	var code string
	fmt.Print("Enter your authorization code: ")
	if _, err := fmt.Scan(&code); err != nil {
		return nil, fmt.Errorf("unable to read authorization code: %w", err)
	}

	tok, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return tok, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(t)
	return t, err
}

func saveToken(file string, token *oauth2.Token) error {
	fmt.Printf("Saving credential file to: %s\n", file)
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}
