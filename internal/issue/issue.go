// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"maps"
	"slices"

	"github.com/charmbracelet/glamour"
)

// Id identifies one entry of the issue catalog.
type Id int

const (
	PackageNotFoundId Id = iota + 1
	ManifestInvalidId
	NameMismatchId
	NetworkFailedId
	ConcurrencyMisuseId
	InvalidPackagePathId
	CompileFailedId
	ConfigLoadFailedId
	PackFailedId
)

type MarkdownMsg string

type HttpLink string

// Issue is a catalog entry: a Markdown explanation of a failure class with
// the steps a user can take.
type Issue struct {
	id       Id
	mdMsg    MarkdownMsg
	docLinks []HttpLink
	extLinks []HttpLink
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render formats the issue for a terminal using the glamour style at
// stylePath ("dark", "light", "notty" or a JSON style file).
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if links := slices.Concat(i.docLinks, i.extLinks); len(links) > 0 {
		md += "\n\n## See also\n"
		for _, link := range links {
			md += "- <" + string(link) + ">\n"
		}
	}
	return render(md, stylePath)
}

var (
	render = glamour.Render

	packageNotFoundIssue = &Issue{
		id: PackageNotFoundId,
		mdMsg: `
# Package or file not found!

The request did not map to any registered package, version table entry or
file on disk.

## Things you can try:
- List the packages the registry knows about:
~~~
$ pkghost list
~~~
- Check the request for typos; bare names must match a package directory
- Add the directory holding the package to ` + "`search_paths`" + ` in your config
- Requests without an extension try each configured extension in order`,
	}

	manifestInvalidIssue = &Issue{
		id: ManifestInvalidId,
		mdMsg: `
# Invalid package descriptor!

A ` + "`package.json`, `versions.json` or `packages.json`" + ` file could not be read or
does not match the expected shape.

## Things you can try:
- Check the file named above for JSON syntax errors
- ` + "`version_code`" + ` must be a string or a number
- Batch entries must be ` + "`null`" + `, a path string, or an object
- Rebuild the package:
~~~
$ pkghost pack ./my-package
~~~`,
	}

	nameMismatchIssue = &Issue{
		id: NameMismatchId,
		mdMsg: `
# Package name does not match its directory!

The ` + "`name`" + ` field in package.json must equal the directory the package lives in.

## Things you can try:
- Rename the directory, or fix the ` + "`name`" + ` field
- For batch descriptors, check that the entry key matches the package`,
	}

	networkFailedIssue = &Issue{
		id: NetworkFailedId,
		mdMsg: `
# Network fetch failed!

A manifest, batch descriptor or pack archive could not be downloaded.

## Things you can try:
- Check that the origin URL is reachable
- Retry; a previously downloaded archive is used when one is cached
- Run with verbose logging to see every request:
~~~
$ pkghost --verbose run ./app
~~~`,
	}

	concurrencyMisuseIssue = &Issue{
		id: ConcurrencyMisuseId,
		mdMsg: `
# Registry used from conflicting modes!

A synchronous call was made while asynchronous readiness was still in
progress, or a package record was changed after the registry became ready.

## Things you can try:
- Wait for the asynchronous readiness future before calling synchronous APIs
- Set origins before the first readiness pass`,
	}

	invalidPackagePathIssue = &Issue{
		id: InvalidPackagePathId,
		mdMsg: `
# Invalid package path!

The last element of a package path is its name and must be a valid
identifier (letters, digits, ` + "`_`, `-` and `.`" + `).

## Things you can try:
- Register the package directory itself, not a file inside it`,
	}

	compileFailedIssue = &Issue{
		id: CompileFailedId,
		mdMsg: `
# Unit failed to load!

A file was found but its compiler reported an error.

## Things you can try:
- Check the file named above for syntax errors
- For shell units, run the script with ` + "`sh -n`" + ` to check syntax
- Shell units must finish with exit status 0`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

## Things you can try:
- Show the effective configuration:
~~~
$ pkghost config show
~~~
- Write a fresh default file:
~~~
$ pkghost config init
~~~
- Check the file for CUE syntax errors`,
	}

	packFailedIssue = &Issue{
		id: PackFailedId,
		mdMsg: `
# Build failed!

## Things you can try:
- Make sure the source directory holds a package.json whose name matches it
- Check ` + "`--packed` and `--exclude`" + ` patterns; they use ` + "`**`" + ` globs
- Choose an output directory outside the source tree with ` + "`-o`",
	}

	issues = map[Id]*Issue{
		packageNotFoundIssue.Id():    packageNotFoundIssue,
		manifestInvalidIssue.Id():    manifestInvalidIssue,
		nameMismatchIssue.Id():       nameMismatchIssue,
		networkFailedIssue.Id():      networkFailedIssue,
		concurrencyMisuseIssue.Id():  concurrencyMisuseIssue,
		invalidPackagePathIssue.Id(): invalidPackagePathIssue,
		compileFailedIssue.Id():      compileFailedIssue,
		configLoadFailedIssue.Id():   configLoadFailedIssue,
		packFailedIssue.Id():         packFailedIssue,
	}
)

// Values returns every catalog entry ordered by id.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int { return int(a.id - b.id) })
}

func Get(id Id) *Issue {
	return issues[id]
}
