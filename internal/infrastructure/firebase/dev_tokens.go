package firebase

import (
	"context"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	apperrors "swiftservice/pkg/errors"
)

// NewAdminAuthClient builds an Admin SDK auth client from a service
// account file. It is only needed for development sign-in.
func NewAdminAuthClient(ctx context.Context, projectID, serviceAccountPath string) (*auth.Client, error) {
	var opts []option.ClientOption
	if serviceAccountPath != "" {
		if _, err := os.Stat(serviceAccountPath); err != nil {
			return nil, apperrors.Internal("service account file not readable", err)
		}
		opts = append(opts, option.WithCredentialsFile(serviceAccountPath))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, apperrors.Internal("initialize firebase app", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, apperrors.Internal("initialize firebase auth", err)
	}
	return client, nil
}

// SignInWithDevToken signs in as uid without a password by minting a
// custom token and exchanging it for an ID token.
func (s *Session) SignInWithDevToken(ctx context.Context, uid string) error {
	if s.admin == nil {
		return apperrors.BadRequest("dev sign-in requires an admin client", nil)
	}
	customToken, err := s.admin.CustomToken(ctx, uid)
	if err != nil {
		return apperrors.Upstream("mint custom token", 0, err)
	}
	creds, err := s.auth.exchangeCustomToken(ctx, customToken)
	if err != nil {
		return err
	}
	if creds.UID == "" {
		creds.UID = uid
	}
	s.signedIn(creds)
	return nil
}
