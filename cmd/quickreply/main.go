// Command quickreply serves and searches reusable reply templates.
package main

func main() {
	Execute()
}
