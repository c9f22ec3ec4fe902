// Package dispatch routes one user turn through admission, continuity,
// credential selection, and the backend adapter, collapsing every failure
// mode into a single classified, human-readable outcome.
//
// The retry loop is budget-based rather than count-based: rate limits cost
// nothing and rotate the credential, auth-looking failures cost a tenth
// because reverse proxies report them spuriously, and anything else costs a
// full unit. Stored conversation state only ever moves forward on success.
package dispatch
