// Command librarian manages fabric-attached memory: it provisions the book
// database, serves the command engine and runs crash recovery.
package main

func main() {
	Execute()
}
