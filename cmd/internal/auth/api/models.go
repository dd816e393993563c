package api

import (
	"ripple/cmd/identity"
	"ripple/cmd/internal/auth/session"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	// Username is optional; when empty it is derived from the email
	// local part.
	Username string `json:"username"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// authResponse is returned by register and login: identity plus the first
// credential pair. ExpiresIn is the access lifetime in milliseconds.
type authResponse struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	DisplayName  string `json:"displayName"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type refreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// profileResponse is the public view of a user. Email is only present when
// the viewer is the profile owner.
type profileResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	CreatedAt   int64  `json:"createdAt"`
	Email       string `json:"email,omitempty"`
}

func toAuthResponse(u identity.User, pair session.TokenPair) authResponse {
	return authResponse{
		ID:           u.ID,
		Email:        u.Email,
		Username:     u.Username,
		DisplayName:  u.DisplayName,
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshSecret,
		ExpiresIn:    pair.ExpiresIn,
	}
}

func toRefreshResponse(pair session.TokenPair) refreshResponse {
	return refreshResponse{
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshSecret,
		ExpiresIn:    pair.ExpiresIn,
	}
}

func toProfileResponse(u identity.User, includeEmail bool) profileResponse {
	p := profileResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt.UnixMilli(),
	}
	if includeEmail {
		p.Email = u.Email
	}
	return p
}
