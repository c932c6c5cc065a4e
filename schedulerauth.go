/**
 * SIP conference orchestration and synchronization core.
 * Copyright (C) 2026 vconf authors
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package conference

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OrganizerClaims authorize scheduling operations (allocate, update,
// cancel) on one conference address.
type OrganizerClaims struct {
	jwt.RegisteredClaims

	Conference string `json:"conference"`
}

// SchedulerAuth issues and validates organizer tokens. Tokens are bound to
// a single conference address, a token for one conference cannot modify
// another.
type SchedulerAuth struct {
	secret   []byte
	lifetime time.Duration
}

func NewSchedulerAuth(secret []byte, lifetime time.Duration) (*SchedulerAuth, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("no scheduler secret configured")
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}

	return &SchedulerAuth{
		secret:   secret,
		lifetime: lifetime,
	}, nil
}

// CreateOrganizerToken returns a signed token authorizing the organizer to
// manage the passed conference.
func (a *SchedulerAuth) CreateOrganizerToken(organizer string, conference string) (string, error) {
	now := time.Now()
	claims := &OrganizerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   organizer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.lifetime)),
		},
		Conference: conference,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateOrganizerToken checks the token and returns the organizer
// address it was issued for.
func (a *SchedulerAuth) ValidateOrganizerToken(tokenString string, conference string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OrganizerClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", ErrNotAdmin
	}

	claims, ok := token.Claims.(*OrganizerClaims)
	if !ok || !token.Valid {
		return "", ErrNotAdmin
	}
	if claims.Conference != conference {
		return "", ErrNotAdmin
	}
	return claims.Subject, nil
}
