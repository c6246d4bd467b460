// Package auth authenticates chat transports calling the API with static
// bearer tokens and checks per-route permissions.
package auth
