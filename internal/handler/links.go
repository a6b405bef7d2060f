package handler

import (
	"fmt"
	"net/url"

	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/service"
)

// Link is one hypermedia reference.
type Link struct {
	Href   string `json:"href"`
	Method string `json:"method,omitempty"`
}

// Links is the "_links" object attached to every resource.
type Links map[string]Link

// UserResource is a user plus its navigation links.
type UserResource struct {
	*model.User
	Links Links `json:"_links"`
}

// ProfileResource is a profile plus its navigation links.
type ProfileResource struct {
	model.Profile
	Links Links `json:"_links"`
}

// UserList is the body of GET /users.
type UserList struct {
	Users []UserResource `json:"users"`
	Count int            `json:"count"`
	Links Links          `json:"_links"`
}

// EmailLookup is the body of GET /users/by-email/{email}.
type EmailLookup struct {
	UserID int64 `json:"user_id"`
	Links  Links `json:"_links"`
}

func userPath(uni string) string {
	return "/users/" + url.PathEscape(uni)
}

func userByIDPath(id int64) string {
	return fmt.Sprintf("/users/by-id/%d", id)
}

func userLinks(u *model.User) Links {
	self := userPath(u.UNI)
	return Links{
		"self":       {Href: self},
		"by_id":      {Href: userByIDPath(u.UserID)},
		"profile":    {Href: self + "/profile"},
		"replace":    {Href: self, Method: "PUT"},
		"delete":     {Href: self, Method: "DELETE"},
		"collection": {Href: "/users"},
	}
}

func userResource(u *model.User) UserResource {
	return UserResource{User: u, Links: userLinks(u)}
}

func profileResource(p model.Profile) ProfileResource {
	self := userPath(p.UNI)
	return ProfileResource{
		Profile: p,
		Links: Links{
			"self": {Href: self + "/profile"},
			"user": {Href: self},
		},
	}
}

func listPath(limit, offset int) string {
	return fmt.Sprintf("/users?limit=%d&offset=%d", limit, offset)
}

// userList builds the collection body. A full page means there may be
// more, so a "next" link is offered.
func userList(page *service.Page) UserList {
	users, limit, offset := page.Users, page.Limit, page.Offset
	items := make([]UserResource, 0, len(users))
	for i := range users {
		items = append(items, userResource(&users[i]))
	}

	links := Links{"self": {Href: listPath(limit, offset)}}
	if len(users) == limit {
		links["next"] = Link{Href: listPath(limit, offset+limit)}
	}
	if offset > 0 {
		prev := max(offset-limit, 0)
		links["prev"] = Link{Href: listPath(limit, prev)}
	}
	return UserList{Users: items, Count: len(items), Links: links}
}
