package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const userPageSize = 50

// User is a Jira account.
type User struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// FindUserByID resolves an account id, consulting the lookup cache first.
func (c *Client) FindUserByID(ctx context.Context, accountID string) (*User, error) {
	var user User
	if c.users.Get(ctx, "id:"+accountID, &user) {
		return &user, nil
	}

	query := url.Values{}
	query.Set("accountId", accountID)
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/user", query, nil, &user); err != nil {
		return nil, fmt.Errorf("get user %s: %w", accountID, err)
	}

	c.cacheUser(ctx, &user)
	return &user, nil
}

// FindUserByEmail resolves an email address to an account by paging the
// user directory. A nil result without error means no account carries the
// address (or the instance hides emails), which callers treat as
// "reporter cannot be set", not a failure.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	if c.users.Get(ctx, emailKey(email), &user) {
		return &user, nil
	}

	for page := 0; ; page++ {
		query := url.Values{}
		query.Set("startAt", strconv.Itoa(page*userPageSize))
		query.Set("maxResults", strconv.Itoa(userPageSize))

		var users []User
		if err := c.do(ctx, http.MethodGet, "/rest/api/3/users", query, nil, &users); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		if len(users) == 0 {
			return nil, nil
		}
		for i := range users {
			if strings.EqualFold(users[i].EmailAddress, email) {
				c.cacheUser(ctx, &users[i])
				return &users[i], nil
			}
		}
	}
}

func (c *Client) cacheUser(ctx context.Context, user *User) {
	if user.AccountID != "" {
		c.users.Set(ctx, "id:"+user.AccountID, user)
	}
	if user.EmailAddress != "" {
		c.users.Set(ctx, emailKey(user.EmailAddress), user)
	}
}

func emailKey(email string) string {
	return "email:" + strings.ToLower(email)
}
